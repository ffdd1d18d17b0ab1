package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ErrNoDestinationAuth is returned when neither a private key nor a
// password is configured for the destination.
var ErrNoDestinationAuth = errors.New("no authentication method configured for destination")

// Retry bounds for destination dials.
const (
	dialInitialInterval = 250 * time.Millisecond
	dialMaxInterval     = 2 * time.Second
)

// Dialer opens SSH connections to the destination host.
type Dialer struct {
	cfg     types.DestinationConfig
	addr    string
	timeout time.Duration

	warnOnce sync.Once
}

// NewDialer creates a Dialer for cfg.
func NewDialer(cfg types.DestinationConfig) *Dialer {
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := time.Duration(cfg.ReadyTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Dialer{
		cfg:     cfg,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		timeout: timeout,
	}
}

// Addr returns the destination address.
func (d *Dialer) Addr() string { return d.addr }

// auth returns the single configured authentication method. A private key
// wins over a password.
func (d *Dialer) auth() (ssh.AuthMethod, error) {
	switch {
	case d.cfg.PrivateKey != "":
		pem, err := os.ReadFile(d.cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("read destination key: %w", err)
		}
		var signer ssh.Signer
		if d.cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(d.cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse destination key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	case d.cfg.Password != "":
		return ssh.Password(d.cfg.Password), nil
	default:
		return nil, ErrNoDestinationAuth
	}
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.HostKey == "" {
		d.warnOnce.Do(func() {
			logging.Warn().Str("destination", d.addr).Msg("destination host key not pinned, accepting any key")
		})
		return ssh.InsecureIgnoreHostKey(), nil
	}
	data, err := os.ReadFile(d.cfg.HostKey)
	if err != nil {
		return nil, fmt.Errorf("read destination host key: %w", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse destination host key: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}

// Dial connects and authenticates to the destination. Network failures are
// retried with exponential backoff within the ready timeout and the
// configured retry count; configuration and authentication failures are
// returned at once.
func (d *Dialer) Dial(ctx context.Context) (*ssh.Client, error) {
	auth, err := d.auth()
	if err != nil {
		return nil, err
	}
	hostKey, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            d.cfg.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         d.timeout,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dialInitialInterval
	b.MaxInterval = dialMaxInterval
	b.MaxElapsedTime = d.timeout
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(d.cfg.ConnectRetries, 0))), ctx)

	var client *ssh.Client
	op := func() error {
		c, err := d.dialOnce(ctx, clientCfg)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn().Err(err).Str("destination", d.addr).Dur("retryIn", wait).Msg("destination dial failed")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return client, nil
}

func (d *Dialer) dialOnce(ctx context.Context, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(d.timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, d.addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// retryable reports whether a dial error is worth another attempt.
// Authentication and host key failures are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET)
}
