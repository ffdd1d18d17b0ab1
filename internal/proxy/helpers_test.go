package proxy

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// writeKeyPair writes an ed25519 private key and its authorized_keys line.
func writeKeyPair(t *testing.T, dir, name string) (privPath, pubPath string, signer ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, name)
	require.NoError(t, err)
	privPath = filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(block), 0600))

	signer, err = ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	pubPath = privPath + ".pub"
	require.NoError(t, os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(signer.PublicKey()), 0644))
	return privPath, pubPath, signer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// destination is an in-process SSH server standing in for the real host.
// It records every byte written to its shells and echoes each chunk back
// prefixed with "out:".
type destination struct {
	ln       net.Listener
	received syncBuffer
}

func startDestination(t *testing.T, user, password string) *destination {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == user && string(pw) == password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &destination{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go d.serve(nc, cfg)
		}
	}()
	return d
}

func (d *destination) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				if req.WantReply {
					req.Reply(req.Type == "pty-req" || req.Type == "shell", nil)
				}
			}
		}()
		go func() {
			defer ch.Close()
			buf := make([]byte, 1024)
			for {
				n, err := ch.Read(buf)
				if n > 0 {
					d.received.Write(buf[:n])
					ch.Write(append([]byte("out:"), buf[:n]...))
				}
				if err != nil {
					return
				}
			}
		}()
	}
}

func (d *destination) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

type fakeMeta struct {
	user string
}

func (m fakeMeta) User() string          { return m.user }
func (m fakeMeta) SessionID() []byte     { return []byte("sid") }
func (m fakeMeta) ClientVersion() []byte { return []byte("SSH-2.0-test") }
func (m fakeMeta) ServerVersion() []byte { return []byte("SSH-2.0-gatekeeper") }
func (m fakeMeta) RemoteAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 50000} }
func (m fakeMeta) LocalAddr() net.Addr   { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222} }

type fixedAnalyzer string

func (a fixedAnalyzer) Analyze(context.Context, []string, []types.BlockedCommand, string) string {
	return string(a)
}
