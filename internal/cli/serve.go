package cli

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
	"go.uber.org/zap"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/audit"
	"github.com/stormguard/stormguard/internal/pipeline"
	"github.com/stormguard/stormguard/internal/policy"
	"github.com/stormguard/stormguard/internal/reason"
	"github.com/stormguard/stormguard/internal/server"
	"github.com/stormguard/stormguard/internal/store"
)

var (
	servePort   int
	servePolicy string
	serveDB     string
	serveDemo   bool
	serveRegion string
	serveModel  string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 8085, "HTTP listen port")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy YAML")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "Path to run database")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Use the deterministic rule reasoner instead of Bedrock")
	serveCmd.Flags().StringVar(&serveRegion, "region", "us-east-1", "AWS region for Bedrock")
	serveCmd.Flags().StringVar(&serveModel, "model", "", "Bedrock model ID override")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline HTTP server",
	Long: "Runs the pipeline as an HTTP server: event intake, run status, approval\n" +
		"decisions and audit access. Supports hot-reload of the policy file and\n" +
		"recovers interrupted runs on startup.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, policyHash, err := policy.LoadConfigWithHash(servePolicy)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	dbPath := serveDB
	if dbPath == "" {
		dbPath = store.DefaultPath()
	}
	runs, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer runs.Close()

	approvals, err := approval.NewStore(approval.DefaultDir())
	if err != nil {
		return fmt.Errorf("failed to create approval store: %w", err)
	}
	auditLog, err := audit.Open(audit.DefaultDir())
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reasoner reason.Reasoner
	if serveDemo {
		reasoner = reason.NewRules()
	} else {
		reasoner, err = reason.NewBedrock(ctx, serveRegion, serveModel)
		if err != nil {
			return fmt.Errorf("failed to create reasoner: %w", err)
		}
	}

	orch := pipeline.New(pipeline.Options{
		Runs:       runs,
		Approvals:  approvals,
		Audit:      auditLog,
		Reasoner:   reasoner,
		Logger:     logger,
		Config:     cfg,
		PolicyHash: policyHash,
	})

	recovered, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("recovered interrupted runs", zap.Int("count", recovered))
	}

	srv := server.New(orch, approvals, auditLog, logger, servePolicy)

	reloader, err := server.NewReloader(srv, servePolicy, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
	}
	if reloader != nil {
		go reloader.Run(ctx)
	}

	// Stale approval sweep, driven by policy.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := orch.ExpireApprovals(ctx); err != nil {
					logger.Warn("approval sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("expired stale approvals", zap.Int("count", n))
				}
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", servePort),
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
		orch.Wait()
	}()

	fmt.Fprintf(os.Stderr, "stormguard listening on :%d\n", servePort)
	if servePolicy != "" {
		fmt.Fprintf(os.Stderr, "Policy: %s (hot-reload enabled)\n", servePolicy)
	}
	if serveDemo {
		fmt.Fprintln(os.Stderr, "Reasoner: deterministic rules (demo mode)")
	}
	fmt.Fprintln(os.Stderr)

	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
