package types

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Config represents the gatekeeper configuration file.
// Field names follow the JSON layout used by existing deployments.
type Config struct {
	Proxy        ProxyConfig           `json:"proxy" yaml:"proxy"`
	Destination  DestinationConfig     `json:"destination" yaml:"destination"`
	AllowedUsers map[string]UserConfig `json:"allowedUsers" yaml:"allowedUsers"`
	Whitelist    []string              `json:"whitelist" yaml:"whitelist"`
	NHIDetection *NHIConfig            `json:"nhiDetection,omitempty" yaml:"nhiDetection,omitempty"`
	AIAuditor    *AnalyzerConfig       `json:"aiAuditor,omitempty" yaml:"aiAuditor,omitempty"`
	Governance   GovernanceConfig      `json:"governance" yaml:"governance"`
	Screen       *ScreenConfig         `json:"screen,omitempty" yaml:"screen,omitempty"`
	AuditLog     *AuditLogConfig       `json:"auditLog,omitempty" yaml:"auditLog,omitempty"`
	Database     DatabaseConfig        `json:"database" yaml:"database"`
	Web          *WebConfig            `json:"web,omitempty" yaml:"web,omitempty"`
	Shutdown     ShutdownConfig        `json:"shutdown" yaml:"shutdown"`
	Log          LogConfig             `json:"log" yaml:"log"`
}

// ProxyConfig describes the inbound SSH listener.
type ProxyConfig struct {
	Host    string     `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int        `json:"port,omitempty" yaml:"port,omitempty"`
	HostKey StringList `json:"hostKey" yaml:"hostKey"`
	Banner  string     `json:"banner,omitempty" yaml:"banner,omitempty"`
}

// DestinationConfig describes the real host behind the proxy.
// Exactly one of PrivateKey or Password is used; PrivateKey wins.
type DestinationConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username       string `json:"username" yaml:"username"`
	PrivateKey     string `json:"privateKey,omitempty" yaml:"privateKey,omitempty"`
	Passphrase     string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	ReadyTimeout   int    `json:"readyTimeout,omitempty" yaml:"readyTimeout,omitempty"` // ms
	ConnectRetries int    `json:"connectRetries,omitempty" yaml:"connectRetries,omitempty"`
	HostKey        string `json:"hostKey,omitempty" yaml:"hostKey,omitempty"` // known host public key file
}

// UserConfig holds the credentials accepted for one proxy user.
type UserConfig struct {
	Password   string   `json:"password,omitempty" yaml:"password,omitempty"`
	PublicKey  string   `json:"publicKey,omitempty" yaml:"publicKey,omitempty"`
	PublicKeys []string `json:"publicKeys,omitempty" yaml:"publicKeys,omitempty"`
}

// KeyFiles returns every configured public key path.
func (u UserConfig) KeyFiles() []string {
	keys := append([]string(nil), u.PublicKeys...)
	if u.PublicKey != "" {
		keys = append(keys, u.PublicKey)
	}
	return keys
}

// NHIConfig controls non-human identity detection.
type NHIConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

// AnalyzerConfig describes the external risk analysis endpoint.
type AnalyzerConfig struct {
	Provider string            `json:"provider,omitempty" yaml:"provider,omitempty"` // "http"|"openai"|"anthropic"|"ark"
	URL      string            `json:"url,omitempty" yaml:"url,omitempty"`
	Model    string            `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey   string            `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Timeout  int               `json:"timeout,omitempty" yaml:"timeout,omitempty"` // ms
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Options  map[string]any    `json:"options,omitempty" yaml:"options,omitempty"`
}

// GovernanceConfig tunes the per-session state machine.
type GovernanceConfig struct {
	SubmitKeyword string   `json:"submitKeyword,omitempty" yaml:"submitKeyword,omitempty"`
	ExitKeywords  []string `json:"exitKeywords,omitempty" yaml:"exitKeywords,omitempty"`
	HistoryLimit  int      `json:"historyLimit,omitempty" yaml:"historyLimit,omitempty"`
	TicketGraceMs int      `json:"ticketGraceMs,omitempty" yaml:"ticketGraceMs,omitempty"`
}

// ScreenConfig controls the remote screen workspace bootstrap.
type ScreenConfig struct {
	Enabled     *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	SessionName string `json:"sessionName,omitempty" yaml:"sessionName,omitempty"`
}

// IsEnabled reports whether the screen bootstrap runs. Defaults to true.
func (s *ScreenConfig) IsEnabled() bool {
	return s == nil || s.Enabled == nil || *s.Enabled
}

// AuditLogConfig controls the append-only audit file.
type AuditLogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"` // "sqlite"|"file"|"none"
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// WebConfig controls the operator dashboard.
type WebConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// ShutdownConfig bounds the graceful drain.
type ShutdownConfig struct {
	MaxWaitMs      int `json:"maxWaitMs,omitempty" yaml:"maxWaitMs,omitempty"`
	PollIntervalMs int `json:"pollIntervalMs,omitempty" yaml:"pollIntervalMs,omitempty"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// StringList accepts either a single string or a list of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return err
	}
	*l = many
	return nil
}
