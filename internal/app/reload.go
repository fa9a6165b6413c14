package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"awaymail/internal/config"
	logx "awaymail/pkg/logx"
)

// reloadLoop fans committed configs out to the live services. Sections that
// only take effect at startup are reported instead.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev.Telegram.Token != cfg.Telegram.Token || prev.Telegram.PollTimeout != cfg.Telegram.PollTimeout ||
		prev.Telegram.Workers != cfg.Telegram.Workers || prev.Telegram.ForwardWhenPresent != cfg.Telegram.ForwardWhenPresent {
		a.log.Warn("telegram transport config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "batch") {
		a.log.Warn("batch config changed; restart required for changes to take effect")
	}

	a.logs.SetTelegramTargets(ownerTargets(cfg.Telegram.OwnerUserIDs))
	a.logs.Apply(mapLogConfig(cfg))
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.notif.SetOwners(cfg.Telegram.OwnerUserIDs)

	if mc, err := mapMailerConfig(cfg); err != nil {
		a.log.Warn("invalid mail config; keeping previous", logx.Err(err))
	} else {
		a.mailer.Apply(mc)
	}

	if err := a.presence.ApplyWindow(mapAwayWindow(cfg)); err != nil {
		a.log.Warn("invalid away window; keeping previous", logx.Err(err))
	}

	if nc, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasEnabled && !nc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nc.Enabled:
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}

	a.mserver.Reconfigure(context.WithoutCancel(ctx), mapMetricsConfig(cfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
