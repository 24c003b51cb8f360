// Command server starts the flowdeck front door.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"flowdeck/internal/config"
	"flowdeck/internal/controllers"
	"flowdeck/internal/database"
	"flowdeck/internal/eventbus"
	"flowdeck/internal/features"
	"flowdeck/internal/modules/ldap"
	"flowdeck/internal/modules/scaling"
	"flowdeck/internal/modules/sourcecontrol"
	"flowdeck/internal/modules/sso"
	"flowdeck/internal/nodes"
	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
	"flowdeck/internal/push"
	"flowdeck/internal/server"
	"flowdeck/web"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const ctaPackageThreshold = 3

type options struct {
	configPath string
	envFile    string
	addr       string
	logLevel   string
	logFormat  string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("flowdeck", flag.ContinueOnError)
	fs.SetOutput(output)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&opts.envFile, "env-file", ".env", "path to a .env file; a missing file is ignored")
	fs.StringVar(&opts.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format (json or text)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// applyOverrides lets command-line flags win over the file and environment.
func applyOverrides(snap config.Snapshot, opts options) config.Snapshot {
	snap.Server.Addr = firstNonEmpty(opts.addr, snap.Server.Addr)
	snap.Log.Level = firstNonEmpty(opts.logLevel, snap.Log.Level)
	snap.Log.Format = firstNonEmpty(opts.logFormat, snap.Log.Format)
	return snap
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("flowdeck stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}
	snap, err := config.Load(firstNonEmpty(opts.configPath, os.Getenv("FLOWDECK_CONFIG")))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	snap = applyOverrides(snap, opts)
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: snap.Log.Level, Format: snap.Log.Format})
	instanceID := uuid.NewString()
	logger = logger.With("instance_id", instanceID)
	flags := snap.Flags()
	logger.Info("starting flowdeck", "version", version, "mode", snap.Environment.Mode, "executions", snap.Executions.Mode)

	recorder := metrics.New()
	metrics.SetDefault(recorder)

	var db *database.DB
	if dsn := strings.TrimSpace(snap.Database.DSN); dsn != "" {
		db, err = database.Open(ctx, database.Config{DSN: dsn, MaxConnections: snap.Database.MaxConns, ApplicationName: "flowdeck"})
		if err != nil {
			return err
		}
		defer db.Close(context.Background())
	}

	events := eventbus.NewService()
	bus := eventbus.New(eventbus.Config{LogFile: snap.EventBus.LogFile, Logger: logger})
	defer bus.Close()
	hub := push.NewHub(push.Config{Logger: logger, Metrics: recorder})

	registry := nodes.NewRegistry(snap.Paths.PackagesDir, logger)
	if err := registry.Scan(); err != nil {
		return fmt.Errorf("scan node packages: %w", err)
	}

	var scaler *scaling.Service
	if flags.QueueMode {
		scaler, err = scaling.New(scaling.Config{
			Addrs:      snap.RedisAddrs(),
			Username:   snap.Redis.Username,
			Password:   snap.Redis.Password,
			DB:         snap.Redis.DB,
			Prefix:     snap.Redis.Prefix,
			TLS: scaling.TLSConfig{
				CAFile:             snap.Redis.TLS.CAFile,
				CertFile:           snap.Redis.TLS.CertFile,
				KeyFile:            snap.Redis.TLS.KeyFile,
				ServerName:         snap.Redis.TLS.ServerName,
				InsecureSkipVerify: snap.Redis.TLS.InsecureSkipVerify,
			},
			InstanceID: instanceID,
			LeaderTTL:  snap.MultiMain.TTL,
			MultiMain:  flags.MultiMain,
			Logger:     logger,
			Events:     events,
		})
		if err != nil {
			return fmt.Errorf("configure scaling: %w", err)
		}
		defer scaler.Close()
	}

	cfg := server.Config{
		Snapshot:   snap,
		Version:    version,
		InstanceID: instanceID,
		Logger:     logger,
		Metrics:    recorder,
		Registry:   registry,
		Events:     events,
		Bus:        bus,
		Push:       hub,
		Features:   buildFeatureSet(snap, registry, hub, scaler, logger),
		Timezones:  web.Timezones(),
	}
	if scaler != nil {
		cfg.Scaling = scaler
	}
	if db != nil {
		cfg.Database = db
	}
	if cfg.Editor, err = web.Editor(); err != nil {
		return fmt.Errorf("load editor bundle: %w", err)
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	ready := make(chan struct{})
	group.Go(func() error {
		return srv.Run(groupCtx, ready)
	})
	group.Go(func() error {
		select {
		case <-ready:
			events.Emit("server-started", map[string]interface{}{"version": version, "instanceId": instanceID})
			logger.Info("flowdeck ready", "addr", snap.Server.Addr, "ui", flags.UI)
		case <-groupCtx.Done():
		}
		return nil
	})
	group.Go(func() error {
		return hub.Relay(groupCtx, bus)
	})
	if scaler != nil {
		group.Go(func() error {
			return scaler.Run(groupCtx)
		})
	}
	if flags.Development && snap.Environment.DevReload {
		watcher := nodes.NewWatcher(registry, nodes.WatcherConfig{
			Logger: logger,
			OnChange: func(ctx context.Context) error {
				if err := srv.Frontend().GenerateTypes(ctx); err != nil {
					return err
				}
				hub.Broadcast(push.Message{Type: "nodeDescriptionUpdated"})
				return nil
			},
		})
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	err = group.Wait()
	if gate := srv.Gate(); gate != nil {
		gate.Wait()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("flowdeck stopped")
	return nil
}

// buildFeatureSet wires the optional modules. Each one is built
// unconditionally; the activator decides from the flags which of them run.
func buildFeatureSet(snap config.Snapshot, registry *nodes.Registry, hub *push.Hub, scaler *scaling.Service, logger *slog.Logger) features.Set {
	var leader controllers.LeaderInfo
	if scaler != nil {
		leader = scaler
	}
	return features.Set{
		Debug: controllers.NewDebug(leader),
		LDAP: ldap.New(ldap.Config{
			URL:            snap.LDAP.URL,
			BaseDN:         snap.LDAP.BaseDN,
			ConnectTimeout: snap.LDAP.ConnectTimeout,
			Logger:         logger,
		}),
		CommunityPackages: controllers.NewCommunityPackages(registry),
		E2E:               controllers.NewE2E(hub),
		MFA:               controllers.NewMFA(),
		CTA:               controllers.NewCTA(func() int { return len(registry.Packages()) }, ctaPackageThreshold),
		SSO: sso.New(sso.Config{
			MetadataFile: snap.SSO.MetadataFile,
			LoginEnabled: snap.SSO.LoginEnabled,
			Logger:       logger,
		}),
		SourceControl: sourcecontrol.New(sourcecontrol.Config{
			Dir:    snap.SourceControl.Dir,
			Branch: snap.SourceControl.Branch,
			Logger: logger,
		}),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
