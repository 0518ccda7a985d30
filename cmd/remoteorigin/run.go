package main

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
	"golang.org/x/sync/errgroup"

	"github.com/yarkm13/remoteorigin/internal/config"
	"github.com/yarkm13/remoteorigin/internal/logger"
	"github.com/yarkm13/remoteorigin/internal/metrics"
	"github.com/yarkm13/remoteorigin/internal/origin"
	"github.com/yarkm13/remoteorigin/internal/progress"
	"github.com/yarkm13/remoteorigin/internal/remote"
	"github.com/yarkm13/remoteorigin/internal/secret"
	"github.com/yarkm13/remoteorigin/internal/sink"
)

func newRunCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:           "run",
		Short:         "Poll the endpoint and spool new files into the output directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cmd, cfg)

			o, err := buildOrigin(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if once {
				defer o.Close()
				stats, err := o.Poll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "listed=%d selected=%d completed=%d failed=%d skipped=%d\n",
					stats.Listed, stats.Selected, stats.Completed, stats.Failed, stats.Skipped)
				return nil
			}

			return serve(ctx, cfg, o, log)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single poll cycle and exit")
	return cmd
}

func buildOrigin(cfg *config.Config, log *logger.Logger) (*origin.Origin, error) {
	target, err := cfg.Target()
	if err != nil {
		return nil, err
	}
	mgr, err := remote.NewManager(target, cfg.RemoteCredentials(), cfg.Trust(), secret.NewResolver(), remote.WithLogger(log))
	if err != nil {
		return nil, err
	}
	tracker, err := progress.Open(cfg.State.Dir, target.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to open progress state: %w", err)
	}
	out, err := sink.NewLocalDir(cfg.Output.Dir)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.OriginOptions()
	if err != nil {
		return nil, err
	}
	return origin.New(mgr, tracker, out, opts, log), nil
}

// serve runs the poll loop and, when configured, the metrics endpoint until
// the loop stops.
func serve(ctx context.Context, cfg *config.Config, o *origin.Origin, log *logger.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, loopDone := context.WithCancel(gctx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info("metrics listening", map[string]any{"addr": cfg.Metrics.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-loopCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer loopDone()
		return o.Run(loopCtx)
	})

	return g.Wait()
}
