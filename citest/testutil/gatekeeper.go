package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencode-ai/gatekeeper/internal/analyzer"
	"github.com/opencode-ai/gatekeeper/internal/config"
	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/proxy"
	"github.com/opencode-ai/gatekeeper/internal/server"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/ticket"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Users accepted by the test gatekeeper.
const (
	OperatorUser     = "alice"
	OperatorPassword = "alice-pw"
	AgentUser        = "agent_deploy"
	DestinationUser  = "ops"
)

// Gatekeeper is a fully wired proxy with its dashboard, a fake destination
// and a mock analyzer, all on loopback ports.
type Gatekeeper struct {
	Proxy       *proxy.Server
	Supervisor  *proxy.Supervisor
	Web         *server.Server
	Tickets     *ticket.Registry
	Store       storage.Store
	Bus         *event.Bus
	Classifier  *permission.Classifier
	Watcher     *permission.Watcher
	Destination *Destination
	Analyzer    *MockAnalyzer
	Config      *types.Config

	SSHAddr    string
	BaseURL    string
	ConfigPath string
	AgentKey   string
	TempDir    string

	faults chan error
}

// GatekeeperOption configures StartGatekeeper.
type GatekeeperOption func(*gatekeeperConfig)

type gatekeeperConfig struct {
	envFile   string
	whitelist []string
	scenario  *AnalyzerScenario
	timeoutMs int
}

// WithEnvFile loads a specific .env file.
func WithEnvFile(path string) GatekeeperOption {
	return func(c *gatekeeperConfig) {
		c.envFile = path
	}
}

// WithWhitelist replaces the default safe prefixes.
func WithWhitelist(prefixes ...string) GatekeeperOption {
	return func(c *gatekeeperConfig) {
		c.whitelist = prefixes
	}
}

// WithScenario sets the mock analyzer scenario.
func WithScenario(s *AnalyzerScenario) GatekeeperOption {
	return func(c *gatekeeperConfig) {
		c.scenario = s
	}
}

// WithAnalyzerTimeout bounds analysis in milliseconds.
func WithAnalyzerTimeout(ms int) GatekeeperOption {
	return func(c *gatekeeperConfig) {
		c.timeoutMs = ms
	}
}

// StartGatekeeper writes a config file, loads it the way the serve command
// does and starts every component.
func StartGatekeeper(opts ...GatekeeperOption) (*Gatekeeper, error) {
	gc := &gatekeeperConfig{
		whitelist: []string{"ls", "pwd", "whoami", "cat", "uptime"},
		timeoutMs: 5000,
	}
	for _, opt := range opts {
		opt(gc)
	}

	if gc.envFile != "" {
		_ = godotenv.Load(gc.envFile)
	} else {
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load("../.env")
	}

	tempDir, err := os.MkdirTemp("", "gatekeeper-e2e-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	gk := &Gatekeeper{TempDir: tempDir, faults: make(chan error, 4)}
	if err := gk.start(gc); err != nil {
		gk.Stop()
		return nil, err
	}
	return gk, nil
}

func (gk *Gatekeeper) start(gc *gatekeeperConfig) error {
	hostKey, _, err := WriteKeyPair(gk.TempDir, "host_key")
	if err != nil {
		return fmt.Errorf("host key: %w", err)
	}
	destKey, _, err := WriteKeyPair(gk.TempDir, "destination_key")
	if err != nil {
		return fmt.Errorf("destination key: %w", err)
	}
	agentKey, agentPub, err := WriteKeyPair(gk.TempDir, "agent_key")
	if err != nil {
		return fmt.Errorf("agent key: %w", err)
	}
	gk.AgentKey = agentKey

	gk.Destination, err = StartDestination(DestinationUser, destKey)
	if err != nil {
		return err
	}
	gk.Analyzer = NewMockAnalyzer(gc.scenario)

	sshPort, err := findAvailablePort()
	if err != nil {
		return fmt.Errorf("failed to find available port: %w", err)
	}
	webPort, err := findAvailablePort()
	if err != nil {
		return fmt.Errorf("failed to find available port: %w", err)
	}

	analyzerURL := gk.Analyzer.URL()
	if url := os.Getenv("GATEKEEPER_E2E_ANALYZER_URL"); url != "" {
		analyzerURL = url
	}

	raw := map[string]any{
		"proxy": map[string]any{
			"host":    "127.0.0.1",
			"port":    sshPort,
			"hostKey": hostKey,
			"banner":  "Governed session. Risky commands need approval.",
		},
		"destination": map[string]any{
			"host":       "127.0.0.1",
			"port":       gk.Destination.Port(),
			"username":   DestinationUser,
			"privateKey": destKey,
		},
		"allowedUsers": map[string]any{
			OperatorUser: map[string]any{"password": OperatorPassword},
			AgentUser:    map[string]any{"publicKey": agentPub},
		},
		"whitelist":    gc.whitelist,
		"nhiDetection": map[string]any{"enabled": true},
		"aiAuditor": map[string]any{
			"url":     analyzerURL,
			"model":   "risk-test",
			"timeout": gc.timeoutMs,
		},
		"governance": map[string]any{"ticketGraceMs": 60000},
		"screen":     map[string]any{"enabled": false},
		"database":   map[string]any{"driver": "sqlite", "path": filepath.Join(gk.TempDir, "gatekeeper.db")},
		"web":        map[string]any{"enabled": true, "host": "127.0.0.1", "port": webPort},
		"shutdown":   map[string]any{"maxWaitMs": 2000, "pollIntervalMs": 20},
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	gk.ConfigPath = filepath.Join(gk.TempDir, "config.json")
	if err := os.WriteFile(gk.ConfigPath, data, 0644); err != nil {
		return err
	}

	cfg, err := config.Load(gk.ConfigPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	gk.Config = cfg

	ctx := context.Background()
	gk.Store, err = storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	gk.Bus = event.NewBus()
	gk.Tickets = ticket.NewRegistry(ticket.Options{
		GraceDelay: time.Duration(cfg.Governance.TicketGraceMs) * time.Millisecond,
		Store:      gk.Store,
		Bus:        gk.Bus,
	})

	client, err := analyzer.New(ctx, cfg.AIAuditor)
	if err != nil {
		return err
	}
	gk.Classifier, err = permission.NewClassifier(cfg.Whitelist, cfg.NHIDetection)
	if err != nil {
		return err
	}
	gk.Watcher, err = permission.NewWatcher(gk.ConfigPath, gk.Classifier)
	if err != nil {
		return err
	}
	gk.Watcher.Start()

	gk.Supervisor = proxy.NewSupervisor(proxy.Deps{
		Classifier:   gk.Classifier,
		Analyzer:     client,
		Tickets:      gk.Tickets,
		Store:        gk.Store,
		Bus:          gk.Bus,
		Governance:   cfg.Governance,
		MaxWait:      time.Duration(cfg.Shutdown.MaxWaitMs) * time.Millisecond,
		PollInterval: time.Duration(cfg.Shutdown.PollIntervalMs) * time.Millisecond,
	})
	gk.Proxy, err = proxy.NewServer(cfg, gk.Supervisor, proxy.WithFaultHandler(func(err error) {
		select {
		case gk.faults <- err:
		default:
		}
	}))
	if err != nil {
		return err
	}
	go gk.Proxy.ListenAndServe()
	gk.SSHAddr = fmt.Sprintf("127.0.0.1:%d", sshPort)

	webCfg := server.DefaultConfig()
	webCfg.Host = cfg.Web.Host
	webCfg.Port = cfg.Web.Port
	gk.Web = server.New(webCfg, gk.Supervisor, gk.Tickets, gk.Store, gk.Bus)
	go gk.Web.Start()
	gk.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", webPort)

	if err := waitForPort(gk.SSHAddr, 10*time.Second); err != nil {
		return fmt.Errorf("proxy not ready: %w", err)
	}
	if err := waitForServer(gk.BaseURL, 10*time.Second); err != nil {
		return fmt.Errorf("dashboard not ready: %w", err)
	}
	return nil
}

// Faults returns errors the proxy reported as fatal.
func (gk *Gatekeeper) Faults() <-chan error {
	return gk.faults
}

// Client returns an API client for the dashboard.
func (gk *Gatekeeper) Client() *APIClient {
	return NewAPIClient(gk.BaseURL)
}

// SSEClient returns an event stream client for the dashboard.
func (gk *Gatekeeper) SSEClient() *SSEClient {
	return NewSSEClient(gk.BaseURL)
}

// Stop shuts every component down and removes the temp dir.
func (gk *Gatekeeper) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if gk.Proxy != nil {
		if err := gk.Proxy.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if gk.Web != nil {
		if err := gk.Web.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if gk.Watcher != nil {
		gk.Watcher.Stop()
	}
	if gk.Tickets != nil {
		gk.Tickets.Close()
	}
	if gk.Bus != nil {
		gk.Bus.Close()
	}
	if gk.Store != nil {
		gk.Store.Close()
	}
	if gk.Destination != nil {
		gk.Destination.Close()
	}
	if gk.Analyzer != nil {
		gk.Analyzer.Close()
	}
	if gk.TempDir != "" {
		os.RemoveAll(gk.TempDir)
	}
	return firstErr
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

func waitForPort(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%s not listening after %v", addr, timeout)
}

// waitForServer waits for the dashboard to answer
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewAPIClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if _, err := client.Stats(context.Background()); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
