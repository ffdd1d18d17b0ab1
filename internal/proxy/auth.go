package proxy

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var errAccessDenied = errors.New("access denied")

type account struct {
	password []byte
	keys     [][]byte // marshalled public keys
}

// Authenticator checks proxy users against the allowedUsers table.
type Authenticator struct {
	accounts map[string]account
}

// NewAuthenticator loads the public key files of every user.
func NewAuthenticator(users map[string]types.UserConfig) (*Authenticator, error) {
	a := &Authenticator{accounts: make(map[string]account, len(users))}
	for name, u := range users {
		acc := account{}
		if u.Password != "" {
			acc.password = []byte(u.Password)
		}
		for _, path := range u.KeyFiles() {
			keys, err := loadAuthorizedKeys(path)
			if err != nil {
				return nil, fmt.Errorf("user %s: %w", name, err)
			}
			acc.keys = append(acc.keys, keys...)
		}
		a.accounts[name] = acc
	}
	return a, nil
}

// loadAuthorizedKeys parses every key in an authorized_keys style file.
func loadAuthorizedKeys(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	var keys [][]byte
	for len(bytes.TrimSpace(data)) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", path, err)
		}
		keys = append(keys, key.Marshal())
		data = rest
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no public key in %s", path)
	}
	return keys, nil
}

// Password is an ssh.ServerConfig PasswordCallback.
func (a *Authenticator) Password(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	acc, ok := a.accounts[meta.User()]
	if ok && len(acc.password) > 0 && subtle.ConstantTimeCompare(acc.password, password) == 1 {
		return permissions(meta, "password"), nil
	}
	logging.Audit("AUTH_FAILED").
		Str("username", meta.User()).
		Str("ip", meta.RemoteAddr().String()).
		Str("method", "password").
		Msg("authentication failed")
	return nil, errAccessDenied
}

// PublicKey is an ssh.ServerConfig PublicKeyCallback.
func (a *Authenticator) PublicKey(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if acc, ok := a.accounts[meta.User()]; ok {
		offered := key.Marshal()
		for _, k := range acc.keys {
			if bytes.Equal(k, offered) {
				return permissions(meta, "publickey"), nil
			}
		}
	}
	logging.Debug().
		Str("username", meta.User()).
		Str("fingerprint", ssh.FingerprintSHA256(key)).
		Msg("public key not accepted")
	return nil, errAccessDenied
}

func permissions(meta ssh.ConnMetadata, method string) *ssh.Permissions {
	logging.Info().
		Str("username", meta.User()).
		Str("ip", meta.RemoteAddr().String()).
		Str("method", method).
		Msg("client authenticated")
	return &ssh.Permissions{Extensions: map[string]string{"auth-method": method}}
}
