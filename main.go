package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"screenrelay/config"
	"screenrelay/httpServer"
	"screenrelay/internal/auth"
	"screenrelay/internal/broadcast"
	"screenrelay/internal/cadence"
	"screenrelay/internal/framehub"
	"screenrelay/internal/liveness"
	"screenrelay/internal/metrics"
	"screenrelay/internal/receiver"
	"screenrelay/internal/sender"
	"screenrelay/internal/signalbus"
	"screenrelay/internal/snapshot"
	"screenrelay/internal/source"
	"screenrelay/internal/storage"
	"screenrelay/pkg/models"
)

// app holds what both roles share
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	bus      *signalbus.Bus
	defaults *storage.SharedDefaults
	policy   cadence.Policy
	liveness liveness.Policy
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.SetupLogging(); err != nil {
		log.Fatalf("Invalid logging configuration: %v", err)
	}

	log.WithField("role", cfg.Role).Info("Starting screenrelay...")
	log.Printf("Shared container: %s", cfg.AppGroupDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defaultsStore, err := storage.NewLocalStorage(cfg.DefaultsDir())
	if err != nil {
		log.Fatalf("Failed to initialize shared defaults: %v", err)
	}

	transport, err := signalbus.NewUnixTransport(cfg.SignalsDir())
	if err != nil {
		log.Fatalf("Failed to initialize signal bus: %v", err)
	}
	bus := signalbus.New(transport)
	defer bus.Close()

	a := &app{
		cfg:      cfg,
		metrics:  metrics.New(prometheus.DefaultRegisterer),
		bus:      bus,
		defaults: storage.NewSharedDefaults(defaultsStore),
		policy: cadence.Policy{
			Min:     cadence.FPS(cfg.FPSMin),
			Max:     cadence.FPS(cfg.FPSMax),
			Default: cadence.FPS(cfg.FPSDefault),
		},
		liveness: liveness.Policy{
			Interval:   cfg.HeartbeatInterval,
			Multiplier: cfg.StalenessMultiplier,
		},
	}

	switch cfg.Role {
	case config.RoleHost:
		err = a.runHost(ctx)
	case config.RoleExtension:
		err = a.runExtension(ctx)
	}
	if err != nil {
		log.Fatalf("%s exited: %v", cfg.Role, err)
	}
	log.Info("screenrelay stopped")
}

func (a *app) runHost(ctx context.Context) error {
	snapStore, err := a.snapshotStorage(ctx)
	if err != nil {
		return err
	}

	hub := framehub.New(a.metrics)
	defer hub.Close()

	recorder := snapshot.New(snapStore, hub, snapshot.Config{
		Interval:     a.cfg.SnapshotInterval,
		MaxSnapshots: a.cfg.MaxSnapshots,
	}, a.metrics)
	authManager := auth.New(a.cfg.ControlTokenTTL)

	recv := receiver.New(receiver.Config{
		Path:     a.cfg.VideoPath(),
		Capacity: a.cfg.BufferCapacity,
		Sink:     hub,
		Metrics:  a.metrics,
	})

	host := broadcast.NewHost(broadcast.HostConfig{
		Bus:       a.bus,
		Receiver:  recv,
		Defaults:  a.defaults,
		Heartbeat: liveness.NewHeartbeat(a.defaults, a.cfg.HeartbeatInterval, a.metrics),
		Policy:    a.policy,
		Metrics:   a.metrics,
		OnStart: func(session *models.Session) {
			if err := recorder.Start(session.ID); err != nil {
				log.Printf("Failed to start snapshot recording: %v", err)
			}
		},
		OnStop: func(session *models.Session, err error) {
			recorder.Stop(session.ID)
			authManager.RevokeSession(session.ID)
			if err != nil {
				log.WithField("session", session.ID).Warnf("Capture stopped: %v", err)
			}
		},
	})

	if a.cfg.CaptureFPS > 0 {
		if _, err := host.StartCapture(uint(a.cfg.CaptureFPS)); err != nil {
			return err
		}
	}

	srv := httpServer.New(host, authManager, recorder, a.metrics, prometheus.DefaultGatherer)

	log.Println("---")
	log.Println("API Endpoints:")
	log.Println("  GET  /api/ping")
	log.Println("  GET  /api/v1/session")
	log.Println("  POST /api/v1/session/start")
	log.Println("  POST /api/v1/session/token")
	log.Println("  POST /api/v1/session/stop")
	log.Println("  GET  /api/v1/snapshots")
	log.Println("  GET  /api/v1/snapshots/latest")
	log.Println("  GET  /metrics")
	log.Println("---")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, a.cfg.HTTPAddr)
	})
	g.Go(func() error {
		return authManager.RunCleanup(gctx, time.Minute)
	})
	g.Go(func() error {
		<-gctx.Done()
		return host.StopCapture("")
	})
	return g.Wait()
}

func (a *app) snapshotStorage(ctx context.Context) (storage.Storage, error) {
	if a.cfg.StorageType == "gcs" {
		gcsStorage, err := storage.NewGCSStorage(ctx, a.cfg.GCSProjectID, a.cfg.GCSBucketName, a.cfg.GCSBaseDir)
		if err != nil {
			return nil, err
		}
		log.Printf("Snapshot storage: GCS bucket=%s, project=%s, baseDir=%s",
			a.cfg.GCSBucketName, a.cfg.GCSProjectID, a.cfg.GCSBaseDir)
		return gcsStorage, nil
	}

	localStorage, err := storage.NewLocalStorage(a.cfg.SnapshotDir)
	if err != nil {
		return nil, err
	}
	log.Printf("Snapshot storage: local directory=%s", a.cfg.SnapshotDir)
	return localStorage, nil
}

func (a *app) runExtension(ctx context.Context) error {
	finished := make(chan error, 1)

	ext := broadcast.NewExtension(broadcast.ExtensionConfig{
		Bus: a.bus,
		Sender: sender.New(sender.Config{
			Path:    a.cfg.VideoPath(),
			Metrics: a.metrics,
		}),
		Defaults:       a.defaults,
		Liveness:       a.defaults,
		Policy:         a.policy,
		LivenessPolicy: a.liveness,
		Metrics:        a.metrics,
		OnFinish: func(err error) {
			select {
			case finished <- err:
			default:
			}
		},
	})

	pattern := source.Pattern{
		Width:  a.cfg.SourceWidth,
		Height: a.cfg.SourceHeight,
		FPS:    a.cfg.SourceFPS,
	}

	ext.BroadcastStarted()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pattern.Run(gctx, func(raw models.RawFrame) {
			ext.ProcessFrame(raw)
		})
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			ext.BroadcastFinished()
			return nil
		case err := <-finished:
			if errors.Is(err, models.ErrNoConnection) {
				return err
			}
			log.Infof("Broadcast ended: %v", err)
			return context.Canceled
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
