// Package app wires settings, storage, policies, notification channels and
// the engine into one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"dueline/internal/config"
	"dueline/internal/db"
	"dueline/internal/engine"
	"dueline/internal/logging"
	"dueline/internal/metrics"
	"dueline/internal/migrate"
	"dueline/internal/notify"
	"dueline/internal/repo"
)

type App struct {
	Settings   *config.Settings
	DB         *sql.DB
	Policies   *config.Config
	Log        *zap.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Dispatcher *notify.Dispatcher
	Engine     engine.Engine

	closers []io.Closer
}

// Options tune Open for short-lived CLI commands.
type Options struct {
	// Dispatch starts the notification dispatcher. Without it escalation
	// events are logged and dropped.
	Dispatch bool
}

// Open builds the application from resolved settings. The caller must Close it.
func Open(ctx context.Context, s *config.Settings, opts Options) (*App, error) {
	log, err := logging.New(s.Log.Level, s.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &App{Settings: s, Log: log}

	a.Policies, err = LoadPolicies(s)
	if err != nil {
		return nil, err
	}

	a.DB, err = db.Open(db.Config{Workspace: s.Workspace, BusyTimeoutMs: s.DB.BusyTimeoutMs})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(a.DB)
	if err != nil {
		a.DB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		version, _ := migrate.Latest()
		log.Info("applied migrations",
			zap.Int("count", applied),
			zap.Int("schema_version", version),
			zap.String("db", db.Path(s.Workspace)))
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	e := engine.New(a.DB, a.Policies)
	e.Log = log.Named("engine")
	e.Metrics = a.Metrics
	e.SystemActor = s.Escalation.Actor
	e.EscalateOnRead = s.Escalation.OnRead

	if opts.Dispatch {
		channels, err := a.channels()
		if err != nil {
			a.closeAll()
			return nil, err
		}
		a.Dispatcher = notify.NewDispatcher(channels, notify.Options{
			QueueSize:      s.Dispatch.QueueSize,
			Workers:        s.Dispatch.Workers,
			MaxRetries:     s.Dispatch.MaxRetries,
			InitialBackoff: s.Dispatch.InitialBackoff,
			MaxBackoff:     s.Dispatch.MaxBackoff,
			Store:          repo.DeliveryStore{Repo: e.Repo},
			Logger:         log.Named("dispatch"),
			Metrics:        a.Metrics,
		})
		e.Notifier = a.Dispatcher
	}
	a.Engine = e
	return a, nil
}

// LoadPolicies reads the policy file named in settings, or policies.yml in
// the workspace. A missing file falls back to the built-in defaults.
func LoadPolicies(s *config.Settings) (*config.Config, error) {
	path := s.PolicyFile
	if path == "" {
		path = config.Path(s.Workspace)
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("load policies %s: %w", path, err)
	}
	if cfg == nil {
		if s.PolicyFile != "" {
			return nil, fmt.Errorf("policy file %s not found", s.PolicyFile)
		}
		return config.Default(), nil
	}
	return cfg, nil
}

func (a *App) channels() ([]notify.Channel, error) {
	d := a.Settings.Dispatch
	var out []notify.Channel
	for _, name := range d.Channels {
		switch name {
		case "log":
			out = append(out, notify.NewLogChannel(a.Log.Named("escalations")))
		case "webhook":
			out = append(out, notify.NewWebhookChannel(notify.WebhookConfig{
				URL:       d.Webhook.URL,
				Secret:    d.Webhook.Secret,
				Timeout:   d.Webhook.Timeout,
				RateLimit: d.Webhook.RateLimit,
				Burst:     d.Webhook.Burst,
			}))
		case "kafka":
			ch, err := notify.NewKafkaChannel(notify.KafkaConfig{
				Brokers:      d.Kafka.Brokers,
				Topic:        d.Kafka.Topic,
				WriteTimeout: d.Kafka.WriteTimeout,
			})
			if err != nil {
				return nil, fmt.Errorf("kafka channel: %w", err)
			}
			a.closers = append(a.closers, ch)
			out = append(out, ch)
		default:
			return nil, fmt.Errorf("unknown dispatch channel %q", name)
		}
	}
	if len(out) == 0 {
		out = append(out, notify.NewLogChannel(a.Log.Named("escalations")))
	}
	return out, nil
}

// Close drains the dispatcher, then releases channels and the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain dispatcher: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	_ = a.Log.Sync()
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
		a.DB = nil
	}
	return errors.Join(errs...)
}
