package testutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Prompt is written by the fake destination shell after every line.
const Prompt = "$ "

// Destination is a fake SSH host that accepts one key and runs a line
// oriented shell. Every completed line is recorded and answered with
// "ran: <line>".
type Destination struct {
	ln       net.Listener
	user     string
	key      ssh.PublicKey
	hostKey  ssh.Signer

	mu       sync.Mutex
	lines    []string
	raw      bytes.Buffer
	sessions int
}

// StartDestination listens on a free loopback port and accepts user when
// it authenticates with the private key stored at keyPath.
func StartDestination(user, keyPath string) (*Destination, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse client key: %w", err)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	d := &Destination{ln: ln, user: user, key: signer.PublicKey(), hostKey: hostKey}
	go d.acceptLoop()
	return d, nil
}

// Port returns the listening port.
func (d *Destination) Port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting connections.
func (d *Destination) Close() error {
	return d.ln.Close()
}

// Lines returns every completed line the shell received.
func (d *Destination) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

// Raw returns every byte the shell received.
func (d *Destination) Raw() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw.String()
}

// Ran reports whether line was received as a complete line.
func (d *Destination) Ran(line string) bool {
	for _, l := range d.Lines() {
		if l == line {
			return true
		}
	}
	return false
}

// Sessions counts opened shells.
func (d *Destination) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// Reset forgets recorded input.
func (d *Destination) Reset() {
	d.mu.Lock()
	d.lines = nil
	d.raw.Reset()
	d.mu.Unlock()
}

func (d *Destination) acceptLoop() {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == d.user && bytes.Equal(key.Marshal(), d.key.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(d.hostKey)

	for {
		nc, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.serve(nc, cfg)
	}
}

func (d *Destination) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				ok := req.Type == "pty-req" || req.Type == "shell" || req.Type == "window-change"
				if req.WantReply {
					req.Reply(ok, nil)
				}
			}
		}()
		d.mu.Lock()
		d.sessions++
		d.mu.Unlock()
		go d.shell(ch)
	}
}

func (d *Destination) shell(ch ssh.Channel) {
	defer ch.Close()
	ch.Write([]byte(Prompt))

	var line strings.Builder
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		for _, b := range buf[:n] {
			d.mu.Lock()
			d.raw.WriteByte(b)
			d.mu.Unlock()

			if b != '\r' && b != '\n' {
				line.WriteByte(b)
				continue
			}
			if line.Len() == 0 {
				continue
			}
			cmd := line.String()
			line.Reset()
			d.mu.Lock()
			d.lines = append(d.lines, cmd)
			d.mu.Unlock()
			fmt.Fprintf(ch, "ran: %s\r\n%s", cmd, Prompt)
		}
		if err != nil {
			return
		}
	}
}

// WriteKeyPair writes an ed25519 private key to dir/name and its
// authorized_keys line to dir/name.pub.
func WriteKeyPair(dir, name string) (privPath, pubPath string, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, name)
	if err != nil {
		return "", "", err
	}
	privPath = filepath.Join(dir, name)
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", "", err
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return "", "", err
	}
	pubPath = privPath + ".pub"
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(signer.PublicKey()), 0644); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}
