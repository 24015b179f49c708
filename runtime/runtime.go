package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/InsulaLabs/parley/config"
	"github.com/InsulaLabs/parley/db/meta"
	"github.com/InsulaLabs/parley/db/tkv"
	"github.com/InsulaLabs/parley/hub"
	"github.com/InsulaLabs/parley/service"
	"github.com/InsulaLabs/parley/store"
	"github.com/fatih/color"
)

// ErrConfigGenerated is returned by New after --new-cfg wrote a config file.
var ErrConfigGenerated = errors.New("configuration generated")

// Runtime manages the execution of parleyd, handling configuration,
// signal processing, and the lifecycle of every subsystem.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Server
	configFile string
	rawArgs    []string

	currentLogLevel slog.Level
}

// New parses flags, loads the configuration and installs signal handling.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs:         args,
		currentLogLevel: slog.LevelInfo,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "parleydRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
			r.appCancel()
		case <-r.appCtx.Done():
		}
	}()

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the server configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new server configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		dir := filepath.Dir(genConfigFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for config file %s: %w", genConfigFile, err)
			}
		}
		if err := config.WriteConfig(config.GenerateConfig(), genConfigFile); err != nil {
			return nil, fmt.Errorf("failed to write generated configuration to %s: %w", genConfigFile, err)
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return nil, ErrConfigGenerated
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	switch r.cfg.Logging.Level {
	case "debug":
		r.currentLogLevel = slog.LevelDebug
	case "info":
		r.currentLogLevel = slog.LevelInfo
	case "warn":
		r.currentLogLevel = slog.LevelWarn
	case "error":
		r.currentLogLevel = slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", r.cfg.Logging.Level)
	}

	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "parleydRuntime")

	if !r.cfg.Storage.Atomic {
		color.HiYellow("storage.atomic is false: objects are copied on publish and re-verified on first read")
	}
	if r.cfg.TLS.Cert == "" {
		color.HiYellow("TLS is not configured: serving plain HTTP")
	}

	return r, nil
}

// Run wires the subsystems together and serves until the runtime is stopped.
func (r *Runtime) Run() error {
	for _, dir := range []string{r.cfg.DataDir, r.cfg.MetaDir(), r.cfg.Storage.Path} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	kv, err := tkv.New(tkv.Config{
		Logger:         r.logger.WithGroup("tkv"),
		BadgerLogLevel: r.currentLogLevel,
		Directory:      r.cfg.MetaDir(),
		CacheTTL:       r.cfg.Cache.StandardTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer kv.Close()

	repo := meta.New(r.logger.WithGroup("meta"), kv)

	objects, err := store.New(store.Config{
		Logger:        r.logger.WithGroup("store"),
		Metadata:      repo,
		Root:          r.cfg.Storage.Path,
		TmpDir:        r.cfg.Storage.TmpPath,
		Atomic:        r.cfg.Storage.Atomic,
		MaxObjectSize: r.cfg.Storage.MaxObjectSize,
		VerifyOnRead:  r.cfg.Storage.VerifyOnRead,
	})
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	defer objects.Close()

	hubLogger := r.logger.WithGroup("hub")
	registry, err := hub.NewRegistry(hub.Config{
		Logger:         hubLogger,
		PingInterval:   r.cfg.Sessions.PingInterval,
		WriteWait:      r.cfg.Sessions.WriteWait,
		SendBufferSize: r.cfg.Sessions.SendBufferSize,
		Shards:         r.cfg.Sessions.RegistryShards,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection registry: %w", err)
	}

	svc, err := service.New(service.Config{
		Logger:     r.logger.WithGroup("service"),
		Server:     r.cfg,
		Objects:    objects,
		Messages:   repo,
		Registry:   registry,
		Dispatcher: hub.NewDispatcher(hubLogger.WithGroup("dispatcher"), registry),
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	err = svc.Run(r.appCtx)
	r.appCancel()
	return err
}

// Wait blocks until the runtime's context is cancelled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}
