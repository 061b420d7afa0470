package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tablecrew/vitalsync/internal/httpapi"
	"github.com/tablecrew/vitalsync/internal/remote"
	"github.com/tablecrew/vitalsync/internal/vitality"
)

type config struct {
	Addr            string        `env:"VITALSYNC_ADDR" envDefault:":8081"`
	RemoteURL       string        `env:"VITALSYNC_REMOTE_URL"`
	SessionSource   string        `env:"VITALSYNC_SESSION_SOURCE"`
	StateDSN        string        `env:"VITALSYNC_STATE_DSN"`
	StateKey        string        `env:"VITALSYNC_STATE_KEY" envDefault:"default"`
	PollInterval    time.Duration `env:"VITALSYNC_POLL_INTERVAL" envDefault:"15s"`
	PollJitter      time.Duration `env:"VITALSYNC_POLL_JITTER" envDefault:"4s"`
	SessionInterval time.Duration `env:"VITALSYNC_SESSION_INTERVAL" envDefault:"10s"`
	PendingTTL      time.Duration `env:"VITALSYNC_PENDING_TTL" envDefault:"90s"`
	DefaultMax      int           `env:"VITALSYNC_DEFAULT_MAX" envDefault:"20"`
	SaveInterval    time.Duration `env:"VITALSYNC_SAVE_INTERVAL" envDefault:"30s"`
	MaxBodyBytes    int64         `env:"VITALSYNC_MAX_BODY_BYTES" envDefault:"1048576"`
	StartActive     bool          `env:"VITALSYNC_START_ACTIVE" envDefault:"true"`
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("vitalsync: %v", err)
	}
}

func run() error {
	_ = godotenv.Load()
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if cfg.RemoteURL == "" {
		return fmt.Errorf("VITALSYNC_REMOTE_URL is required")
	}
	if cfg.SessionSource == "" {
		cfg.SessionSource = cfg.RemoteURL
	}
	logger := log.Default()

	backend, err := vitality.BuildStateBackendFromDSN(cfg.StateDSN, cfg.StateKey)
	if err != nil {
		return fmt.Errorf("build state backend: %w", err)
	}

	ledger := vitality.NewLedger(cfg.PendingTTL)
	view := vitality.NewView(vitality.ViewOptions{
		Ledger:     ledger,
		DefaultMax: cfg.DefaultMax,
		Logger:     logger,
	})
	if backend != nil {
		defer backend.Close()
		persisted, err := backend.Load()
		if err != nil {
			return fmt.Errorf("load persisted state: %w", err)
		}
		if persisted != nil {
			view.RestoreState(persisted)
			logger.Printf("restored %d pending entries, %d rows (seq %d)",
				len(persisted.Pending), len(persisted.Rows), persisted.AppliedSeq)
		}
	}

	arbiter := vitality.NewSessionArbiter(vitality.SessionArbiterOptions{
		OnScopeChange: func(previous, next string) {
			logger.Printf("session scope changed %q -> %q; per-scope surface state must reset", previous, next)
		},
		Logger: logger,
	})

	client, err := remote.NewClient(remote.ClientOptions{
		BaseURL: cfg.RemoteURL,
	})
	if err != nil {
		return fmt.Errorf("build remote client: %w", err)
	}

	submitter, err := vitality.NewSubmitter(vitality.SubmitterOptions{
		View:     view,
		Writer:   client,
		Sessions: arbiter,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build submitter: %w", err)
	}

	poller, err := remote.NewSnapshotPoller(remote.SnapshotPollerOptions{
		Fetcher:     client,
		View:        view,
		Interval:    cfg.PollInterval,
		Jitter:      cfg.PollJitter,
		StartActive: cfg.StartActive,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build snapshot poller: %w", err)
	}

	candidateSource, err := remote.BuildCandidateSourceFromDSN(cfg.SessionSource, logger)
	if err != nil {
		return fmt.Errorf("build session source: %w", err)
	}
	defer candidateSource.Close()

	sessionPoller, err := remote.NewSessionPoller(remote.SessionPollerOptions{
		Source:   candidateSource,
		Arbiter:  arbiter,
		Interval: cfg.SessionInterval,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build session poller: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go poller.Run(ctx)
	go sessionPoller.Run(ctx)
	if backend != nil {
		go saveLoop(ctx, backend, view, cfg.SaveInterval, logger)
	}

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServer(view, submitter, arbiter, poller, httpapi.ServerConfig{
			MaxBodyBytes: cfg.MaxBodyBytes,
		}, logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("vitalsync listening on %s (remote %s)", cfg.Addr, cfg.RemoteURL)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if backend != nil {
		if err := backend.Save(stampedState(view)); err != nil {
			logger.Printf("final state save failed: %v", err)
		}
	}
	return nil
}

func saveLoop(ctx context.Context, backend vitality.StateBackend, view *vitality.View, interval time.Duration, logger *log.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := backend.Save(stampedState(view)); err != nil {
				logger.Printf("state save failed: %v", err)
			}
		}
	}
}

func stampedState(view *vitality.View) *vitality.PersistedState {
	state := view.ExportState()
	state.SavedAt = time.Now().UTC().Format(time.RFC3339)
	return state
}
