package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/gatekeeper/internal/analyzer"
	"github.com/opencode-ai/gatekeeper/internal/config"
	"github.com/opencode-ai/gatekeeper/internal/console"
	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/proxy"
	"github.com/opencode-ai/gatekeeper/internal/server"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/ticket"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// shutdownSlack is added to the session drain bound for listener teardown.
const shutdownSlack = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SSH proxy",
	Long: `Start the governed SSH proxy.

The proxy listens for SSH clients, connects each one to the configured
destination and enforces per-session governance. Tickets are decided on the
web dashboard when it is enabled, otherwise on this terminal.`,
	RunE: runServe,
}

func loadConfig() (*types.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogging(cfg.Log); err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logging.Info().Str("version", Version).Str("config", path).Msg("starting gatekeeper")

	if cfg.AuditLog != nil && cfg.AuditLog.Enabled {
		if err := logging.OpenAudit(cfg.AuditLog.Path); err != nil {
			return err
		}
		defer logging.CloseAudit()
	}

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer store.Close()

	bus := event.NewBus()
	defer bus.Close()

	tickets := ticket.NewRegistry(ticket.Options{
		GraceDelay: millis(cfg.Governance.TicketGraceMs),
		Store:      store,
		Bus:        bus,
	})
	defer tickets.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	an, err := analyzer.New(ctx, cfg.AIAuditor)
	if err != nil {
		return err
	}

	classifier, err := permission.NewClassifier(cfg.Whitelist, cfg.NHIDetection)
	if err != nil {
		return err
	}
	if watcher, err := permission.NewWatcher(path, classifier); err != nil {
		logging.Warn().Err(err).Msg("safe list hot reload disabled")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	sup := proxy.NewSupervisor(proxy.Deps{
		Classifier:   classifier,
		Analyzer:     an,
		Tickets:      tickets,
		Store:        store,
		Bus:          bus,
		Governance:   cfg.Governance,
		MaxWait:      millis(cfg.Shutdown.MaxWaitMs),
		PollInterval: millis(cfg.Shutdown.PollIntervalMs),
	})

	faults := make(chan error, 1)
	sshSrv, err := proxy.NewServer(cfg, sup, proxy.WithFaultHandler(func(err error) {
		select {
		case faults <- err:
		default:
		}
	}))
	if err != nil {
		return err
	}

	errs := make(chan error, 2)
	go func() {
		if err := sshSrv.ListenAndServe(); err != nil {
			errs <- err
		}
	}()

	var web *server.Server
	if cfg.Web != nil && cfg.Web.Enabled {
		webCfg := server.DefaultConfig()
		webCfg.Host = cfg.Web.Host
		webCfg.Port = cfg.Web.Port
		web = server.New(webCfg, sup, tickets, store, bus)
		go func() {
			if err := web.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("dashboard: %w", err)
			}
		}()
	} else {
		approver := console.NewApprover(tickets, os.Stdin, os.Stdout)
		defer approver.Subscribe(bus)()
		go approver.Run(ctx)
		logging.Info().Msg("web dashboard disabled, approving tickets on the console")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
	case err := <-faults:
		logging.Error().Err(err).Msg("shutting down after unexpected fault")
	case runErr = <-errs:
		logging.Error().Err(runErr).Msg("listener failed")
	}

	return shutdown(sshSrv, web, sup, millis(cfg.Shutdown.MaxWaitMs), runErr)
}

func shutdown(sshSrv *proxy.Server, web *server.Server, sup *proxy.Supervisor, maxWait time.Duration, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), maxWait+shutdownSlack)
	defer cancel()

	if err := sshSrv.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("ssh listener shutdown")
	}
	if web != nil {
		if err := web.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("dashboard shutdown")
		}
	}

	st := sup.Stats()
	logging.Info().
		Int64("connections", st.TotalConnections).
		Int64("tickets", st.TotalTickets).
		Int64("approved", st.ApprovedTickets).
		Int64("rejected", st.RejectedTickets).
		Msg("gatekeeper stopped")
	return runErr
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
