package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opencode-ai/gatekeeper/internal/logging"
)

const (
	defaultTerm = "xterm-256color"
	defaultCols = 80
	defaultRows = 24
	readBufSize = 32 * 1024
)

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// channel is one inbound session channel.
type channel struct {
	srv *Server
	id  Identity
	ch  ssh.Channel

	mu      sync.Mutex
	term    string
	cols    uint32
	rows    uint32
	remote  *ssh.Session
	started bool
}

func newChannel(srv *Server, id Identity, ch ssh.Channel) *channel {
	return &channel{srv: srv, id: id, ch: ch, term: defaultTerm, cols: defaultCols, rows: defaultRows}
}

// serve answers channel requests. Only interactive shells are proxied;
// exec and subsystem requests are refused so every command goes through
// the governor.
func (c *channel) serve(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			ok := ssh.Unmarshal(req.Payload, &p) == nil
			if ok {
				c.mu.Lock()
				if p.Term != "" {
					c.term = p.Term
				}
				if p.Columns > 0 && p.Rows > 0 {
					c.cols, c.rows = p.Columns, p.Rows
				}
				c.mu.Unlock()
			}
			reply(req, ok)
		case "window-change":
			var w windowChange
			if ssh.Unmarshal(req.Payload, &w) == nil {
				c.resize(w.Columns, w.Rows)
			}
			reply(req, true)
		case "shell":
			c.mu.Lock()
			first := !c.started
			c.started = true
			c.mu.Unlock()
			reply(req, first)
			if first {
				c.srv.wg.Add(1)
				go func() {
					defer c.srv.wg.Done()
					defer c.srv.recoverFault("shell")
					c.run()
				}()
			}
		default:
			logging.Debug().Str("username", c.id.Username).Str("request", req.Type).Msg("channel request refused")
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

func (c *channel) resize(cols, rows uint32) {
	if cols == 0 || rows == 0 {
		return
	}
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	remote := c.remote
	c.mu.Unlock()
	if remote != nil {
		if err := remote.WindowChange(int(rows), int(cols)); err != nil {
			logging.Debug().Err(err).Msg("forward window change")
		}
	}
}

// fail reports a session-level error to the client and ends the channel.
func (c *channel) fail(msg string) {
	_, _ = fmt.Fprintf(c.ch.Stderr(), "[gatekeeper] %s\r\n", msg)
	c.exit(1)
}

func (c *channel) exit(status uint32) {
	_, _ = c.ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	_ = c.ch.Close()
}

// run connects to the destination and proxies the shell through a governor.
func (c *channel) run() {
	if c.srv.sup.Closing() {
		c.fail("Proxy is shutting down.")
		return
	}

	client, err := c.srv.dialer.Dial(context.Background())
	if err != nil {
		if errors.Is(err, ErrNoDestinationAuth) {
			logging.Error().Err(err).Str("username", c.id.Username).Msg("destination configuration")
			c.fail("Error: no authentication method configured for destination.")
			return
		}
		logging.Error().Err(err).Str("destination", c.srv.dialer.Addr()).Msg("destination connection failed")
		c.fail("Destination connection failed: " + err.Error())
		return
	}

	rs, stdin, stdout, stderr, err := c.openShell(client)
	if err != nil {
		client.Close()
		logging.Error().Err(err).Str("username", c.id.Username).Msg("remote shell")
		c.fail("Remote shell failed: " + err.Error())
		return
	}

	var once sync.Once
	hangup := func() {
		once.Do(func() {
			c.exit(0)
			rs.Close()
			client.Close()
		})
	}

	gov, err := c.srv.sup.Open(c.id, Streams{Client: c.ch, Destination: stdin, Hangup: hangup})
	if err != nil {
		c.fail("Session refused: " + err.Error())
		rs.Close()
		client.Close()
		return
	}
	defer c.srv.sup.Remove(gov.ID())

	c.mu.Lock()
	c.remote = rs
	c.mu.Unlock()

	var pumps sync.WaitGroup
	pump := func(r io.Reader) {
		defer pumps.Done()
		buf := make([]byte, readBufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				gov.HandleOutput(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				return
			}
		}
	}
	pumps.Add(2)
	go pump(stdout)
	go pump(stderr)

	remoteDone := make(chan struct{})
	go func() {
		pumps.Wait()
		_ = rs.Wait()
		close(remoteDone)
		_, _ = io.WriteString(c.ch, "\r\n[gatekeeper] Remote connection closed.\r\n")
		hangup()
	}()

	if c.srv.screen != "" {
		select {
		case <-time.After(c.srv.screenDelay):
			cmd := fmt.Sprintf("screen -R -S %s || screen -S %s\n", c.srv.screen, c.srv.screen)
			if _, err := stdin.Write([]byte(cmd)); err != nil {
				logging.Warn().Err(err).Str("session", gov.ID()).Msg("screen bootstrap")
			} else {
				logging.Info().Str("session", gov.ID()).Str("screen", c.srv.screen).Msg("screen workspace attached")
			}
		case <-remoteDone:
			return
		}
	}

	buf := make([]byte, readBufSize)
	for {
		n, err := c.ch.Read(buf)
		if n > 0 {
			gov.HandleInput(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	hangup()
}

func (c *channel) openShell(client *ssh.Client) (*ssh.Session, io.Writer, io.Reader, io.Reader, error) {
	rs, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	stdin, err := rs.StdinPipe()
	if err != nil {
		rs.Close()
		return nil, nil, nil, nil, err
	}
	stdout, err := rs.StdoutPipe()
	if err != nil {
		rs.Close()
		return nil, nil, nil, nil, err
	}
	stderr, err := rs.StderrPipe()
	if err != nil {
		rs.Close()
		return nil, nil, nil, nil, err
	}

	c.mu.Lock()
	term, cols, rows := c.term, c.cols, c.rows
	c.mu.Unlock()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := rs.RequestPty(term, int(rows), int(cols), modes); err != nil {
		rs.Close()
		return nil, nil, nil, nil, fmt.Errorf("request pty: %w", err)
	}
	if err := rs.Shell(); err != nil {
		rs.Close()
		return nil, nil, nil, nil, fmt.Errorf("start shell: %w", err)
	}
	return rs, stdin, stdout, stderr, nil
}
