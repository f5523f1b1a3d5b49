package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
	"github.com/elpendex123/ec2-creator-local/internal/config"
	"github.com/elpendex123/ec2-creator-local/internal/lifecycle"
	"github.com/elpendex123/ec2-creator-local/internal/metrics"
	"github.com/elpendex123/ec2-creator-local/internal/notify"
	"github.com/elpendex123/ec2-creator-local/internal/policy"
	"github.com/elpendex123/ec2-creator-local/internal/storage"
)

// app holds the components shared by every subcommand.
type app struct {
	store      storage.Store
	backends   *backend.Registry
	sims       []*backend.Sim
	orch       *lifecycle.Orchestrator
	dispatcher *notify.Dispatcher
	logger     *zap.Logger

	closers []func() error
}

func buildBackends(cfg config.BackendsConfig, logger *zap.Logger) (*backend.Registry, []*backend.Sim, error) {
	var (
		bs   []backend.Backend
		sims []*backend.Sim
	)
	for _, name := range cfg.Enabled {
		switch name {
		case "awscli":
			bs = append(bs, backend.NewAWSCLI(scriptConfig(cfg.AWSCLI), logger))
		case "terraform":
			bs = append(bs, backend.NewTerraform(scriptConfig(cfg.Terraform), logger))
		case "docker":
			classes := make(map[string]backend.DockerClass, len(cfg.Docker.Classes))
			for _, c := range cfg.Docker.Classes {
				classes[c.Name] = backend.DockerClass{MemoryMB: c.MemoryMB, CPUs: c.CPUs}
			}
			d, err := backend.NewDocker(classes, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("docker backend: %w", err)
			}
			bs = append(bs, d)
		case "sim":
			s := backend.NewSim("sim", cfg.Sim.BootDelay, logger)
			bs = append(bs, s)
			sims = append(sims, s)
		default:
			return nil, nil, fmt.Errorf("unknown backend %q", name)
		}
	}
	reg, err := backend.NewRegistry(cfg.Default, bs...)
	if err != nil {
		return nil, nil, err
	}
	return reg, sims, nil
}

func scriptConfig(s config.ScriptSettings) backend.ScriptConfig {
	return backend.ScriptConfig{
		ScriptsDir: s.ScriptsDir,
		WorkDir:    s.WorkDir,
		Timeout:    s.Timeout,
		Env:        s.Env,
	}
}

// buildLocker returns the per-instance lock and a func releasing its
// resources.
func buildLocker(cfg config.LockConfig, logger *zap.Logger) (lifecycle.Locker, func() error, error) {
	pol, err := lifecycle.ParseLockPolicy(cfg.Policy)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RedisURL == "" {
		return lifecycle.NewLocalLocker(pol), func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse lock.redis_url: %w", err)
	}
	rdb := redis.NewClient(opts)
	locker := lifecycle.NewRedisLocker(rdb, lifecycle.RedisLockerOptions{
		TTL:    cfg.TTL,
		Policy: pol,
		Logger: logger.Named("lock"),
	})
	logger.Info("using redis instance lock", zap.String("addr", opts.Addr))
	return locker, rdb.Close, nil
}

// buildSinks returns the configured notification sinks and funcs closing
// their connections.
func buildSinks(cfg config.NotifyConfig, logger *zap.Logger) ([]notify.Sink, []func() error, error) {
	var (
		sinks   []notify.Sink
		closers []func() error
	)
	if cfg.Log {
		sinks = append(sinks, notify.NewLogSink(logger))
	}
	if cfg.NATS.URL != "" {
		s, err := notify.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, s)
		closers = append(closers, func() error { s.Close(); return nil })
	}
	smtpCfg := notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		To:       cfg.SMTP.To,
	}
	if smtpCfg.Enabled() {
		sinks = append(sinks, notify.NewSMTPSink(smtpCfg))
	}
	return sinks, closers, nil
}

// build wires the store, backends and orchestrator. reg may be nil to skip
// metrics registration.
func build(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.store, err = storage.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.backends, a.sims, err = buildBackends(cfg.Backends, logger)
	if err != nil {
		return nil, err
	}

	locker, closeLocker, err := buildLocker(cfg.Lock, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeLocker)

	m := metrics.New(reg)
	sinks, sinkClosers, err := buildSinks(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(sinks, notify.DispatcherOptions{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
		Timeout:   cfg.Notify.Timeout,
		Logger:    logger,
		Metrics:   m,
	})
	a.closers = append(a.closers, sinkClosers...)

	a.orch = lifecycle.New(a.store, a.backends,
		policy.NewAllowList(cfg.Policy.InstanceTypes, cfg.Policy.Images),
		lifecycle.Options{
			Region:      cfg.Policy.Region,
			CallTimeout: cfg.Server.CallTimeout,
			SSHUser:     cfg.SSH.User,
			SSHKeyPath:  cfg.SSH.KeyPath,
			Locker:      locker,
			Notifier:    a.dispatcher,
			Metrics:     m,
			Logger:      logger,
		})

	logger.Info("provisioner ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("backends", a.backends.Names()),
		zap.String("default_backend", a.backends.Default()),
		zap.String("region", cfg.Policy.Region),
		zap.Int("sinks", len(sinks)))
	return a, nil
}

// close drains pending notifications, then releases connections and the
// store in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
