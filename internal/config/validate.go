package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Validate reports the first startup configuration problem. Every error wraps
// ErrInvalid.
func Validate(cfg *types.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: empty configuration", ErrInvalid)
	}
	if len(cfg.Proxy.HostKey) == 0 {
		return fmt.Errorf("%w: proxy.hostKey is required", ErrInvalid)
	}
	for _, key := range cfg.Proxy.HostKey {
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("%w: host key not found: %s", ErrInvalid, key)
		}
	}

	if cfg.Destination.Host == "" {
		return fmt.Errorf("%w: destination.host is required", ErrInvalid)
	}
	if cfg.Destination.Username == "" {
		return fmt.Errorf("%w: destination.username is required", ErrInvalid)
	}
	if cfg.Destination.PrivateKey != "" {
		if _, err := os.Stat(cfg.Destination.PrivateKey); err != nil {
			return fmt.Errorf("%w: destination private key not found: %s", ErrInvalid, cfg.Destination.PrivateKey)
		}
	}

	if len(cfg.AllowedUsers) == 0 {
		return fmt.Errorf("%w: allowedUsers is required", ErrInvalid)
	}
	for name, user := range cfg.AllowedUsers {
		if user.Password == "" && len(user.KeyFiles()) == 0 {
			return fmt.Errorf("%w: allowedUsers.%s has no password or public key", ErrInvalid, name)
		}
	}

	if cfg.AIAuditor == nil {
		return fmt.Errorf("%w: aiAuditor is required", ErrInvalid)
	}
	switch cfg.AIAuditor.Provider {
	case "", "http":
		if cfg.AIAuditor.URL == "" {
			return fmt.Errorf("%w: aiAuditor.url is required", ErrInvalid)
		}
	case "openai", "anthropic", "ark":
		if cfg.AIAuditor.Model == "" {
			return fmt.Errorf("%w: aiAuditor.model is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown aiAuditor.provider %q", ErrInvalid, cfg.AIAuditor.Provider)
	}

	if err := ValidateWhitelist(cfg.Whitelist); err != nil {
		return err
	}

	switch cfg.Database.Driver {
	case "", "sqlite", "file", "none":
	default:
		return fmt.Errorf("%w: unknown database.driver %q", ErrInvalid, cfg.Database.Driver)
	}
	return nil
}

// ValidateWhitelist checks the safe list on its own so hot reloads can reuse
// it.
func ValidateWhitelist(list []string) error {
	if len(list) == 0 {
		return fmt.Errorf("%w: whitelist must be a non-empty list", ErrInvalid)
	}
	for i, prefix := range list {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("%w: whitelist[%d] is empty", ErrInvalid, i)
		}
	}
	return nil
}
