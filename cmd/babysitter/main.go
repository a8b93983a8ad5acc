package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/discovery"
	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/internal/logging"
	"github.com/ryandielhenn/babysitter/internal/telemetry"
	"github.com/ryandielhenn/babysitter/pkg/alerts"
	_ "github.com/ryandielhenn/babysitter/pkg/alerts/pager"
	"github.com/ryandielhenn/babysitter/pkg/api"
	"github.com/ryandielhenn/babysitter/pkg/membership"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*flags.ConfigPath, flags)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "babysitter: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.Logging.Format, cfg.Logging.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "babysitter: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if cfg.Source == "" {
		log.Warn("config file not found, using defaults", zap.String("path", *flags.ConfigPath))
	}
	telemetry.SetBuildInfo(version, gitSHA)

	if err := run(cfg, log); err != nil {
		log.Error("babysitter stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Configuration, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("[Boot] connecting to coordination store",
		zap.String("backend", string(cfg.Coordination.Backend)),
		zap.Strings("hosts", cfg.Coordination.Hosts),
		zap.String("instance", cfg.InstanceID))
	dialCtx, cancel := context.WithTimeout(ctx, cfg.SessionTimeout())
	store, err := discovery.Open(dialCtx, cfg.Coordination, log)
	cancel()
	if err != nil {
		return err
	}
	defer store.Close()

	manager := alerts.NewManager(alerts.ManagerConfig{Instance: cfg.InstanceID}, log.Named("alerts"))
	defer manager.Close()
	pagers := cfg.Pagers
	if len(pagers) == 0 {
		log.Warn("no pagers configured, evictions will only be logged")
		pagers = []config.PagerConfiguration{{Name: "log", Type: "log"}}
	}
	if err := manager.LoadPagers(pagers); err != nil {
		return err
	}

	paths := membership.Paths{Monitor: cfg.Coordination.MonitorPath, Alerts: cfg.Coordination.AlertsPath}
	arbiter, err := membership.NewArbiter(store, manager, membership.ArbiterConfig{
		Paths:          paths,
		InstanceID:     cfg.InstanceID,
		Persistent:     cfg.Alerts.PersistentMarkers,
		RetryInitial:   time.Duration(cfg.Alerts.RetryInitialMS) * time.Millisecond,
		RetryMax:       time.Duration(cfg.Alerts.RetryMaxMS) * time.Millisecond,
		MaxRetries:     cfg.Alerts.MaxRetries,
		RequestTimeout: cfg.RequestTimeout(),
	}, log.Named("arbiter"))
	if err != nil {
		return err
	}
	defer arbiter.Close()

	tracker, err := membership.NewTracker(store, manager, arbiter, membership.TrackerConfig{
		Paths:          paths,
		MaxDelay:       cfg.MaxDelay(),
		Persistent:     cfg.Alerts.PersistentMarkers,
		RequestTimeout: cfg.RequestTimeout(),
	}, log.Named("tracker"))
	if err != nil {
		return err
	}
	defer tracker.Close()

	if err := tracker.Start(ctx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}

	if len(cfg.HTTP.Users) == 0 {
		log.Warn("no [http.users] configured, mutating API routes are unauthenticated")
	}
	srv := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: api.NewRouter(api.Config{
			Servers:     manager,
			Plugins:     manager,
			Tracker:     tracker,
			Markers:     arbiter,
			Store:       store,
			MonitorPath: paths.Monitor,
			Users:       cfg.HTTP.Users,
		}, log.Named("api")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("babysitter listening", zap.String("addr", cfg.HTTP.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- tracker.Run(runCtx) }()

	var result error
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			result = err
		}
	case err := <-httpErr:
		result = fmt.Errorf("http: %w", err)
		cancelRun()
		<-runErr
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return result
}
