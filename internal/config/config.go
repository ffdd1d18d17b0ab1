package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Default values applied by Load.
const (
	DefaultProxyHost      = "0.0.0.0"
	DefaultProxyPort      = 2222
	DefaultDestPort       = 22
	DefaultReadyTimeout   = 20000
	DefaultConnectRetries = 2
	DefaultAnalyzerTO     = 30000
	DefaultSubmitKeyword  = "SUBMIT"
	DefaultHistoryLimit   = 200
	DefaultTicketGraceMs  = 5000
	DefaultScreenSession  = "IA_BATCH_WORKSPACE"
	DefaultAuditLogPath   = "./audit.log"
	DefaultDatabasePath   = "./data/gatekeeper.db"
	DefaultWebHost        = "0.0.0.0"
	DefaultWebPort        = 3000
	DefaultShutdownWaitMs = 30000
	DefaultShutdownPollMs = 1000
)

// DefaultExitKeywords end a session in either mode.
var DefaultExitKeywords = []string{"EXIT", "QUIT"}

// Path returns the configuration file to load: GATEKEEPER_CONFIG, then
// CONFIG_PATH, then config.json in the working directory.
func Path() string {
	for _, key := range []string{"GATEKEEPER_CONFIG", "CONFIG_PATH"} {
		if p := os.Getenv(key); p != "" {
			return p
		}
	}
	return "config.json"
}

// Load reads the configuration file at path, applies {env:VAR} and
// {file:path} interpolation, GATEKEEPER_* environment overrides and
// defaults. The result is not validated; call Validate.
func Load(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)
	return cfg, nil
}

// Parse decodes configuration data. The format is chosen by the extension of
// name: .yaml and .yml are YAML, anything else is JSON with comments.
// Relative {file:} references resolve against the directory of name.
func Parse(data []byte, name string) (*types.Config, error) {
	baseDir := filepath.Dir(name)
	cfg := &types.Config{}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		data = interpolate(data, baseDir, yamlEscape)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", name, err)
		}
	default:
		data = jsonc.ToJSON(data)
		data = interpolate(data, baseDir, jsonEscape)
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", name, err)
		}
	}
	return cfg, nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string, escape func(string) string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return escape(os.Getenv(varName))
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}
		return escape(strings.TrimRight(string(content), "\r\n"))
	})

	return []byte(str)
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// yamlEscape only handles line breaks; placeholders are expected inside
// double quoted scalars.
func yamlEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

// applyEnvOverrides applies GATEKEEPER_* environment overrides.
func applyEnvOverrides(cfg *types.Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("GATEKEEPER_PROXY_HOST", &cfg.Proxy.Host)
	setInt("GATEKEEPER_PROXY_PORT", &cfg.Proxy.Port)
	setString("GATEKEEPER_DEST_HOST", &cfg.Destination.Host)
	setInt("GATEKEEPER_DEST_PORT", &cfg.Destination.Port)
	setString("GATEKEEPER_DEST_USER", &cfg.Destination.Username)
	setString("GATEKEEPER_DEST_PASSWORD", &cfg.Destination.Password)
	setString("GATEKEEPER_DEST_KEY", &cfg.Destination.PrivateKey)
	setString("GATEKEEPER_LOG_LEVEL", &cfg.Log.Level)
	setString("GATEKEEPER_DB_PATH", &cfg.Database.Path)

	if cfg.AIAuditor != nil {
		setString("GATEKEEPER_ANALYZER_URL", &cfg.AIAuditor.URL)
		setString("GATEKEEPER_ANALYZER_MODEL", &cfg.AIAuditor.Model)
		setString("GATEKEEPER_ANALYZER_KEY", &cfg.AIAuditor.APIKey)
	}

	if v := os.Getenv("GATEKEEPER_WHITELIST"); v != "" {
		var list []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		cfg.Whitelist = list
	}
}

// ApplyDefaults fills unset fields with their default values.
func ApplyDefaults(cfg *types.Config) {
	if cfg.Proxy.Host == "" {
		cfg.Proxy.Host = DefaultProxyHost
	}
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = DefaultProxyPort
	}
	if cfg.Destination.Port == 0 {
		cfg.Destination.Port = DefaultDestPort
	}
	if cfg.Destination.ReadyTimeout == 0 {
		cfg.Destination.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Destination.ConnectRetries == 0 {
		cfg.Destination.ConnectRetries = DefaultConnectRetries
	}
	if cfg.AIAuditor != nil {
		if cfg.AIAuditor.Timeout == 0 {
			cfg.AIAuditor.Timeout = DefaultAnalyzerTO
		}
		if cfg.AIAuditor.Provider == "" {
			cfg.AIAuditor.Provider = "http"
		}
	}

	g := &cfg.Governance
	if g.SubmitKeyword == "" {
		g.SubmitKeyword = DefaultSubmitKeyword
	}
	if len(g.ExitKeywords) == 0 {
		g.ExitKeywords = append([]string(nil), DefaultExitKeywords...)
	}
	if g.HistoryLimit == 0 {
		g.HistoryLimit = DefaultHistoryLimit
	}
	if g.TicketGraceMs == 0 {
		g.TicketGraceMs = DefaultTicketGraceMs
	}

	if cfg.Screen != nil && cfg.Screen.SessionName == "" {
		cfg.Screen.SessionName = DefaultScreenSession
	}
	if cfg.AuditLog != nil && cfg.AuditLog.Path == "" {
		cfg.AuditLog.Path = DefaultAuditLogPath
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		switch cfg.Database.Driver {
		case "file":
			cfg.Database.Path = GetPaths().StoragePath()
		default:
			cfg.Database.Path = DefaultDatabasePath
		}
	}
	if cfg.Web != nil {
		if cfg.Web.Host == "" {
			cfg.Web.Host = DefaultWebHost
		}
		if cfg.Web.Port == 0 {
			cfg.Web.Port = DefaultWebPort
		}
	}
	if cfg.Shutdown.MaxWaitMs == 0 {
		cfg.Shutdown.MaxWaitMs = DefaultShutdownWaitMs
	}
	if cfg.Shutdown.PollIntervalMs == 0 {
		cfg.Shutdown.PollIntervalMs = DefaultShutdownPollMs
	}
}

// ScreenSession returns the screen session name, or "" when the bootstrap is
// disabled.
func ScreenSession(cfg *types.Config) string {
	if !cfg.Screen.IsEnabled() {
		return ""
	}
	if cfg.Screen == nil || cfg.Screen.SessionName == "" {
		return DefaultScreenSession
	}
	return cfg.Screen.SessionName
}
