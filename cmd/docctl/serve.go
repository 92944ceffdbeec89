package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"doccontrol/internal/document/handler"
	"doccontrol/internal/platform/httpserver"
	"doccontrol/internal/platform/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return withApp(ctx, serve)
	},
}

// serve runs the API, the scheduler and the background delivery loops
// until ctx is cancelled or one of them fails.
func serve(ctx context.Context, a *app) error {
	h := handler.New(a.workflow, a.graph, a.policy,
		handler.WithTicker(a.scheduler),
		handler.WithIndexRebuilder(handler.RebuildFunc(a.RebuildIndex)),
		handler.WithLogger(a.logger),
	)
	health := map[string]httpserver.HealthCheck{}
	if a.db != nil {
		health["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		health["redis"] = a.redis.Health
	}
	if a.producer != nil {
		health["kafka"] = a.producer.Health
	}
	router := httpserver.NewRouter(h, httpserver.RouterConfig{
		Validator:  a.verifier,
		AdminToken: a.cfg.AdminToken,
		Security:   a.security,
		Metrics:    metrics.New(),
		Health:     health,
		Logger:     a.logger,
	})
	srv := httpserver.New(a.cfg.Addr, router)

	// Entries written by a previous process may be missing from a fresh
	// in-memory index, and a Redis index may have drifted.
	if n, err := a.RebuildIndex(ctx); err != nil {
		a.logger.WarnContext(ctx, "due index rebuild failed", "error", err)
	} else {
		a.logger.InfoContext(ctx, "due index rebuilt", "entries", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.InfoContext(ctx, "starting doccontrol", "addr", a.cfg.Addr, "regulated_mode", a.cfg.RegulatedMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ignoreCancel(a.dispatcher.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.security.Run(ctx)) })
	if a.relay != nil {
		g.Go(func() error { return ignoreCancel(a.relay.Run(ctx)) })
	}
	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			a.scheduler.Stop()
			return nil
		})
	}
	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
