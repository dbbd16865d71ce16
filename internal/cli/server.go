package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/avdm/gop2pd/internal/accounts"
	"github.com/avdm/gop2pd/internal/bybit"
	"github.com/avdm/gop2pd/internal/config"
	"github.com/avdm/gop2pd/internal/engine"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/gate"
	"github.com/avdm/gop2pd/internal/logging"
	"github.com/avdm/gop2pd/internal/mail"
	"github.com/avdm/gop2pd/internal/scheduler"
	"github.com/avdm/gop2pd/internal/store"
)

// serverCmd starts the trading daemon (default action).
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the trading daemon",
	Long: `Start the goP2Pd daemon: payout intake, ad placement, order
discovery, chat automation, receipt matching, and escrow release run
as scheduled tasks; operator UIs subscribe to the /ws event stream.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	}
}

func newLogger() logging.Logger {
	if quiet {
		return logging.Nop{}
	}
	if debug || verbose {
		return logging.NewDebugLogger()
	}
	return logging.NewDefaultLogger()
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := cfg.Database.URL
	if dsn == "" {
		dsn = filepath.Join(cfg.DataDir, "p2pd.db")
	}
	st, err := store.Open(ctx, store.DefaultConfig(dsn), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	blobDir := cfg.Receipts.BlobDir
	if blobDir == "" {
		blobDir = filepath.Join(cfg.DataDir, "blobs")
	}
	blobs, err := store.OpenBlobStore(blobDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	bus := events.NewBus(logger)

	registry := accounts.NewRegistry(st.Accounts(), bus, accounts.Options{}, logger)
	cookieDir := filepath.Join(cfg.DataDir, "cookies")
	if err := os.MkdirAll(cookieDir, 0o700); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	for _, acc := range cfg.Gate.Accounts {
		client, err := gate.NewClient(gate.Config{
			AccountID:  acc.ID,
			BaseURL:    cfg.Gate.BaseURL,
			Login:      acc.Login,
			Password:   acc.Password,
			CookieFile: filepath.Join(cookieDir, acc.ID+".json"),
		}, logger)
		if err != nil {
			return fmt.Errorf("gate client %s: %w", acc.ID, err)
		}
		registry.AddGate(client)
	}
	for _, acc := range cfg.Bybit.Accounts {
		registry.AddBybit(bybit.NewClient(bybit.Config{
			AccountID: acc.ID,
			BaseURL:   cfg.Bybit.BaseURL,
			APIKey:    acc.APIKey,
			APISecret: acc.APISecret,
		}, logger))
	}

	sched := scheduler.New(logger,
		scheduler.WithFailureBudget(cfg.Orchestrator.FailureBudget),
		scheduler.WithErrorHandler(func(taskID string, err error) {
			bus.Publish(events.TaskError, map[string]string{
				"task":  taskID,
				"error": err.Error(),
			})
		}),
	)

	deps := engine.Deps{
		Config:    cfg,
		Store:     st,
		Blobs:     blobs,
		Registry:  registry,
		Bus:       bus,
		Scheduler: sched,
		Logger:    logger,
	}
	if cfg.Email.BaseURL != "" {
		deps.Mail = mail.NewClient(mail.Config{
			BaseURL:        cfg.Email.BaseURL,
			Token:          cfg.Email.Token,
			InboxID:        cfg.Email.InboxID,
			TrustedSenders: cfg.Email.TrustedSenders,
		}, logger)
	}
	if cfg.Automation.Mode == "manual" {
		deps.Approver = engine.ManualApprover{}
	}
	eng := engine.New(deps)
	if err := eng.RegisterTasks(); err != nil {
		return fmt.Errorf("register tasks: %w", err)
	}

	if cfg.Orchestrator.StartPaused {
		sched.Pause()
		logger.Info("scheduler starting paused")
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", events.NewWebSocketServer(bus, logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"p2pd"}`))
	})
	mux.HandleFunc("/admin/release", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		txID := r.URL.Query().Get("transaction_id")
		if txID == "" {
			http.Error(w, "transaction_id required", http.StatusBadRequest)
			return
		}
		if err := eng.AdminRelease(r.Context(), txID); err != nil {
			logger.Error("admin release failed", "transaction", txID, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"released"}`))
	})
	srv := &http.Server{Addr: cfg.Events.ListenAddr, Handler: mux}

	if !quiet {
		fmt.Printf("p2pd listening on %s (ws: /ws, health: /health, admin: /admin/release)\n", cfg.Events.ListenAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return sched.Stop()
	})
	return g.Wait()
}
