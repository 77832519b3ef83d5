package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/task-sync/internal/credential"
	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/push"
	"github.com/nhle/task-sync/internal/reminder"
	"github.com/nhle/task-sync/internal/store"
	appsync "github.com/nhle/task-sync/internal/sync"
)

// app holds the wired service graph shared by every subcommand.
type app struct {
	cfg        *model.AppConfig
	configPath string
	logger     *slog.Logger
	store      *store.SQLiteStore
	keys       *push.Keys
	dispatcher *push.Dispatcher
	reconciler *appsync.Reconciler
	scanner    *reminder.Scanner
}

// openApp loads configuration, opens the database and initializes push.
// A failure to load VAPID keys is logged and leaves push unconfigured.
// Only commands passing generateKeys create and persist a missing pair.
func openApp(cmd *cobra.Command, generateKeys bool) (*app, error) {
	logger, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = model.DefaultConfigPath()
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		configPath: path,
		logger:     logger,
		store:      s,
		reconciler: appsync.NewReconciler(s),
	}

	keys, source, err := loadKeys(commandContext(cmd), cfg, s, generateKeys)
	if err != nil {
		logger.Warn("push notifications disabled", "error", err)
	} else {
		logger.Info("VAPID keys loaded", "source", string(source))
		a.keys = keys
	}
	a.dispatcher = newDispatcher(cfg.Push, s, keys, logger)

	a.scanner = reminder.New(s, a.reconciler, a.dispatcher, reminder.Config{
		Interval: cfg.Reminder.Interval,
		Window:   cfg.Reminder.Window,
		URL:      cfg.Push.URL,
	}, reminder.WithLogger(logger))

	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func loadKeys(ctx context.Context, cfg *model.AppConfig, s *store.SQLiteStore, generate bool) (*push.Keys, push.KeySource, error) {
	loader := push.KeyLoader{
		Config:   cfg.Push,
		Settings: s,
		LoadOnly: !generate,
	}
	if cfg.Push.KeyStore == model.KeyStoreKeyring {
		secrets, err := credential.Open(filepath.Join(filepath.Dir(model.DefaultConfigPath()), "credentials"))
		if err != nil {
			return nil, "", err
		}
		loader.Secrets = secrets
	}
	return loader.Load(ctx)
}

func newDispatcher(cfg model.PushConfig, subs store.SubscriptionStore, keys *push.Keys, logger *slog.Logger) *push.Dispatcher {
	var transport push.Transport
	if keys != nil {
		transport = push.NewWebPushTransport(keys, push.WebPushOptions{
			Subject: cfg.Subject,
			TTL:     time.Duration(cfg.TTLSec) * time.Second,
		})
	}
	return push.NewDispatcher(subs, keys, transport,
		push.WithLogger(logger),
		push.WithConcurrency(cfg.Concurrency),
		push.WithSendTimeout(cfg.Timeout),
	)
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	format, _ := cmd.Flags().GetString("log-format")
	if !cmd.Flags().Changed("log-format") && cmd.Name() == "serve" {
		format = "json"
	}
	levelName, _ := cmd.Flags().GetString("log-level")
	return buildLogger(cmd.ErrOrStderr(), format, levelName)
}

func buildLogger(w io.Writer, format, levelName string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", levelName)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
