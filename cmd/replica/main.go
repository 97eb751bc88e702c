package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hshomroni/concord-bft/internal/config"
	"github.com/hshomroni/concord-bft/internal/crypto"
	"github.com/hshomroni/concord-bft/internal/diagnostics"
	"github.com/hshomroni/concord-bft/internal/messages"
	"github.com/hshomroni/concord-bft/internal/ordering"
	"github.com/hshomroni/concord-bft/internal/preprocessor"
	"github.com/hshomroni/concord-bft/internal/replica"
	"github.com/hshomroni/concord-bft/internal/transport"
	"github.com/hshomroni/concord-bft/pkg/metrics"
)

// echoHandler executes a request by echoing its payload. Deployments replace
// it with the application's requests handler.
type echoHandler struct{}

func (echoHandler) Execute(ctx context.Context, clientID messages.ClientID, cid string,
	payload []byte) preprocessor.ExecutionResult {
	return preprocessor.ExecutionResult{Data: payload, Result: messages.OperationSuccess}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "replica",
		Short: "BFT replica with pre-execution consensus",
	}
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var sharedKey string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger, err := buildLogger(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			registry := prometheus.NewRegistry()
			m := metrics.NewMetrics(registry)
			diag := messages.NewDiagCounters()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := ordering.NewRedisStore(ctx, cfg.Metadata)
			if err != nil {
				return err
			}
			defer store.Close()

			comm := transport.NewNATSTransport(cfg.Transport, cfg.Replica.ReplicaID,
				cfg.Replica.NumReplicas, diag, logger.Named("transport"))

			signer := crypto.NewHMACSigner(cfg.Replica.ReplicaID, []byte(sharedKey))
			rep, err := replica.New(logger, cfg, comm, store, echoHandler{}, signer, signer, diag, m)
			if err != nil {
				return err
			}
			if err := rep.Start(); err != nil {
				return err
			}

			var diagSrv *diagnostics.Server
			if cfg.Diagnostics.Enabled {
				diagSrv = diagnostics.NewServer(logger.Named("diagnostics"), rep, cfg.Diagnostics.Addr, registry)
				diagSrv.Start()
			}

			<-ctx.Done()
			logger.Info("shutting down")
			if diagSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := diagSrv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("diagnostics shutdown failed", zap.Error(err))
				}
			}
			return rep.Stop()
		},
	}
	cmd.Flags().StringVar(&sharedKey, "shared-key", "dev-cluster-key", "shared HMAC key for reply signatures")
	return cmd
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return cfg.Build()
}
