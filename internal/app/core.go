package app

import (
	"context"
	"fmt"

	"awaymail/internal/config"
	"awaymail/internal/eventbus"
	"awaymail/internal/mailer"
	"awaymail/internal/settings"
	"awaymail/internal/storage"
	logx "awaymail/pkg/logx"
)

// Core is the part of the app that works without Telegram: the store, the
// runtime settings and the mailer. The CLI uses it directly.
type Core struct {
	Store    storage.Store
	Settings *settings.Service
	Mailer   *mailer.Service
	Bus      eventbus.Bus
}

// OpenCore loads cfgPath and opens the store with console logging.
func OpenCore(ctx context.Context, cfgPath string) (*Core, logx.Logger, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, logx.Logger{}, err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	c, err := openCore(ctx, cfg, log)
	return c, log, err
}

func openCore(ctx context.Context, cfg *config.Config, log logx.Logger) (*Core, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	mc, err := mapMailerConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	set := settings.New(st)
	if err := set.SeedDefaults(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seed settings: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	bus := eventbus.New()
	return &Core{
		Store:    st,
		Settings: set,
		Mailer:   mailer.New(mc, set, log.With(logx.String("comp", "mailer")), bus),
		Bus:      bus,
	}, nil
}

func (c *Core) Close() {
	if c != nil && c.Store != nil {
		_ = c.Store.Close()
	}
}
