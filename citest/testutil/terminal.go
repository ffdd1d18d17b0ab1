package testutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/crypto/ssh"
)

// Terminal is an interactive SSH client session against the proxy.
type Terminal struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	mu  sync.Mutex
	out bytes.Buffer

	done chan error
}

type terminalWriter struct{ t *Terminal }

func (w terminalWriter) Write(p []byte) (int, error) {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	return w.t.out.Write(p)
}

// DialPassword opens a shell as user with password auth.
func DialPassword(addr, user, password string) (*Terminal, error) {
	return dial(addr, user, ssh.Password(password))
}

// DialKey opens a shell as user with the private key at keyPath.
func DialKey(addr, user, keyPath string) (*Terminal, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return dial(addr, user, ssh.PublicKeys(signer))
}

func dial(addr, user string, auth ssh.AuthMethod) (*Terminal, error) {
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	t := &Terminal{client: client, session: sess, done: make(chan error, 1)}
	sess.Stdout = terminalWriter{t}
	sess.Stderr = terminalWriter{t}

	if t.stdin, err = sess.StdinPipe(); err != nil {
		client.Close()
		return nil, err
	}
	if err := sess.RequestPty("xterm-256color", 40, 120, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		client.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		client.Close()
		return nil, err
	}
	go func() { t.done <- sess.Wait() }()
	return t, nil
}

// Type sends a line terminated with a carriage return.
func (t *Terminal) Type(line string) error {
	_, err := t.stdin.Write([]byte(line + "\r"))
	return err
}

// Send writes raw bytes.
func (t *Terminal) Send(b []byte) error {
	_, err := t.stdin.Write(b)
	return err
}

// Output returns everything received so far with escape sequences removed.
func (t *Terminal) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ansi.Strip(t.out.String())
}

// WaitFor waits until the output contains s.
func (t *Terminal) WaitFor(s string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(t.Output(), s) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("output does not contain %q after %v:\n%s", s, timeout, t.Output())
}

// Done yields the session's exit error once the remote side ends it.
func (t *Terminal) Done() <-chan error {
	return t.done
}

// Close tears the connection down.
func (t *Terminal) Close() error {
	return t.client.Close()
}
