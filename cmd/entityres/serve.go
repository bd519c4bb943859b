package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/entityres/internal/config"
	"github.com/scrypster/entityres/internal/events"
	"github.com/scrypster/entityres/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, event stream and background workers",
	Long: `Serve the resolution API on ENTITYRES_HOST:ENTITYRES_PORT.

Alongside the HTTP server it runs the clarification session janitor, the
websocket event hub, the optional Pub/Sub publisher, the event spool watcher
that forwards events recorded by other entityres commands, a periodic
candidate index rebuild (ENTITYRES_REINDEX_INTERVAL) that picks up entities
written by other processes, and, when a tuning file is configured, a
watcher that reloads it on change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("shutdown: close failed")
		}
	}()

	hub := events.NewHub(cfg.Server.AllowedOrigins, log)
	a.fanout.Add(hub)
	if cfg.PubSub.Enabled() {
		ps, err := events.NewPubSub(ctx, events.PubSubConfig{
			ProjectID:       cfg.PubSub.ProjectID,
			TopicID:         cfg.PubSub.TopicID,
			CredentialsFile: cfg.PubSub.CredentialsFile,
		}, log)
		if err != nil {
			return err
		}
		a.fanout.Add(ps)
	}

	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := server.New(server.Options{
		Service:     a.svc,
		Stream:      hub,
		Config:      cfg.Server,
		ServiceName: cfg.Tracing.ServiceName,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return hub.Close()
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return a.sessions.Run(gctx, cfg.Sessions.SweepInterval)
	})
	if cfg.EventSpool != "" {
		// Spooled events come from other processes: their entities are
		// reloaded into the index before the events are forwarded.
		target := events.NewFanout(log, 0,
			events.PublisherFunc{Label: "index", Fn: a.svc.RefreshIndex},
			a.fanout,
		)
		sw := events.NewSpoolWatcher(cfg.EventSpool, target, log)
		g.Go(func() error {
			return sw.Run(gctx)
		})
	}
	if cfg.ReindexInterval > 0 {
		g.Go(func() error {
			return a.registry.RunReindex(gctx, cfg.ReindexInterval)
		})
	}
	if cfg.TuningFile != "" && cfg.WatchTuning {
		w := config.NewTuningWatcher(cfg.TuningFile, a.tuning, log, nil)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	log.WithFields(logrus.Fields{
		"addr":     cfg.Server.Addr(),
		"storage":  cfg.Storage.Engine,
		"sessions": cfg.Sessions.Backend,
		"pubsub":   cfg.PubSub.Enabled(),
	}).Info("entityres serving")
	return g.Wait()
}
