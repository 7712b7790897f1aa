package main

import (
	"context"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andrej220/fleetexec/internal/audit"
	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/credentials"
	"github.com/andrej220/fleetexec/internal/engine"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/executor"
	"github.com/andrej220/fleetexec/internal/intake"
	"github.com/andrej220/fleetexec/internal/inventory"
	"github.com/andrej220/fleetexec/internal/notify"
	"github.com/andrej220/fleetexec/internal/serverutil"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/internal/store/memstore"
	"github.com/andrej220/fleetexec/internal/store/mongostore"
	"github.com/andrej220/fleetexec/internal/store/sqlstore"
	"github.com/andrej220/fleetexec/pkg/config"
	"github.com/andrej220/fleetexec/pkg/consumer"
	pe "github.com/andrej220/fleetexec/pkg/executor"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

// configSource picks the config backend: a mongodb:// URI reads the
// SERVICENAME document from the "config" collection, anything else is a file.
func configSource(path string) (config.StoreType, any) {
	if !strings.HasPrefix(path, "mongodb://") && !strings.HasPrefix(path, "mongodb+srv://") {
		return config.FileStore, &config.FileConfig{Path: path}
	}
	dbName := SERVICENAME
	if u, err := url.Parse(path); err == nil && strings.Trim(u.Path, "/") != "" {
		dbName = strings.Trim(u.Path, "/")
	}
	return config.MongoStore, &config.MongoConfig{URI: path, DBName: dbName, CollName: "config", ID: SERVICENAME}
}

func loadConfig(path string, logger lg.Logger) (*FleetexecConfig, config.Config, error) {
	typ, storeCfg := configSource(path)
	src, err := config.NewStore(typ, storeCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cfg := NewFleetexecConfig()
	if err := src.Load(cfg); err != nil {
		return nil, nil, errors.Wrapf(err, "load config %s", path)
	}
	return cfg, src, nil
}

func openStore(ctx context.Context, cfg *FleetexecConfig, logger lg.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case storeMemory:
		logger.Warn("using in-memory store, executions are lost on restart")
		return memstore.New(), nil
	case storeSQLite, storeMySQL:
		return sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
	case storeMongo:
		return mongostore.New(ctx, cfg.Store.MongoURI, cfg.Store.DBName, logger)
	default:
		return nil, errors.Newf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildExecutor(cfg *FleetexecConfig, logger lg.Logger) (*pe.Dispatcher, error) {
	breakers := pe.NewBreakers(cfg.Resilience)

	var opts []executor.SSHOption
	if cfg.SSH.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.SSH.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrap(err, "load known_hosts")
		}
		opts = append(opts, executor.WithHostKeyCallback(cb))
	} else {
		logger.Warn("ssh host keys are not verified, set ssh.knownHostsFile")
	}
	if cfg.SSH.MaxCaptureBytes > 0 {
		opts = append(opts, executor.WithMaxCapture(cfg.SSH.MaxCaptureBytes))
	}

	d := pe.NewDispatcher(logger)
	d.Register(models.ProtocolSSH, executor.NewSSHTransport(breakers, logger.With(lg.String("transport", "ssh")), opts...))
	d.Register(models.ProtocolWinRM, executor.NewWinRMTransport(breakers, cfg.WinRM, logger.With(lg.String("transport", "winrm"))))
	return d, nil
}

// buildNotifier returns the configured notifiers and a func closing them.
func buildNotifier(cfg *FleetexecConfig, logger lg.Logger) (collab.Notifier, func(), error) {
	var (
		multi   notify.Multi
		closers []func() error
	)
	if cfg.Notify.Kafka != nil {
		k := notify.NewKafka(*cfg.Notify.Kafka, logger)
		multi = append(multi, k)
		closers = append(closers, k.Close)
	}
	if cfg.Notify.Redis != nil {
		c, err := notify.NewCounters(*cfg.Notify.Redis, logger)
		if err != nil {
			for _, cl := range closers {
				_ = cl()
			}
			return nil, nil, err
		}
		multi = append(multi, c)
		closers = append(closers, c.Close)
	}
	closeAll := func() {
		for _, cl := range closers {
			if err := cl(); err != nil {
				logger.Warn("notifier close failed", lg.Err(err))
			}
		}
	}
	if len(multi) == 0 {
		return collab.NopNotifier{}, closeAll, nil
	}
	return multi, closeAll, nil
}

func runServe(configPath string) error {
	cfg, cfgSrc, err := loadConfig(configPath, lg.Discard)
	if err != nil {
		return err
	}
	defer cfgSrc.Close()

	logger := lg.New(&cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger.With(lg.String("component", "store")))
	if err != nil {
		return err
	}
	defer st.Close()

	invSrc, err := config.NewStore(config.FileStore, &config.FileConfig{Path: cfg.Inventory.File}, logger)
	if err != nil {
		return err
	}
	defer invSrc.Close()
	inv, err := inventory.New(invSrc, logger.With(lg.String("component", "inventory")))
	if err != nil {
		return err
	}
	if err := inv.Watch(); err != nil {
		logger.Warn("inventory changes will not be picked up", lg.Err(err))
	}

	exec, err := buildExecutor(cfg, logger)
	if err != nil {
		return err
	}
	notifier, closeNotifier, err := buildNotifier(cfg, logger.With(lg.String("component", "notify")))
	if err != nil {
		return err
	}
	defer closeNotifier()

	eng := engine.New(cfg.Engine, engine.Deps{
		Store:       st,
		Executor:    exec,
		Inventory:   inv,
		Credentials: credentials.New(cfg.Credentials),
		Audit:       audit.New(logger),
		Notifier:    notifier,
		Logger:      logger,
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	err = cfgSrc.Watch(func() {
		next := NewFleetexecConfig()
		if err := cfgSrc.Load(next); err != nil {
			logger.Error("config reload failed", lg.Err(err))
			return
		}
		eng.ReloadThresholds(next.Engine.Supervisor)
		t := eng.Thresholds()
		logger.Info("supervisor thresholds reloaded",
			lg.Duration("stale_after", t.StaleAfter), lg.Duration("liveness_window", t.LivenessWindow))
	})
	if err != nil {
		logger.Warn("config changes will not be picked up", lg.Err(err))
	}

	if cfg.Intake != nil {
		cons := consumer.NewConsumer[models.SubmitRequest](cfg.Intake.Config, logger)
		defer cons.Close()
		in := intake.New(*cfg.Intake, cons, intake.SubmitterFunc(eng.SubmitExecution), logger)
		go func() {
			if err := in.Run(ctx); err != nil {
				logger.Error("intake stopped", lg.Err(err))
			}
		}()
		logger.Info("intake started", lg.String("topic", cfg.Intake.Topic))
	}

	handler := serverutil.NewHandler(eng, serverutil.ProbeHost, logger.With(lg.String("component", "http")))
	return serverutil.RunServer(ctx, handler, cfg.Server, logger)
}
