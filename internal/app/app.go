// Package app wires the bot together: config, logging, transport, the
// verification flow, storage, commands, and lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"gatebot/internal/adapters/telegram"
	"gatebot/internal/broadcast"
	"gatebot/internal/captcha"
	"gatebot/internal/commands"
	"gatebot/internal/config"
	"gatebot/internal/health"
	"gatebot/internal/runtime/supervisor"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/verify"
	logx "gatebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter *telegram.Adapter
	store   storage.Store
	gen     *captcha.Generator
	verify  *verify.Service
	bcast   *broadcast.Service
	router  *commands.Router
	health  *health.Server

	cron    *cron.Cron
	sweepMu sync.Mutex
	sweepID cron.EntryID
	sweep   string

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, ad)
	log = log.With(logx.String("comp", "app"))
	if cfg.Telegram.LogChatID != 0 {
		logs.SetTelegramTarget(cfg.Telegram.LogChatID)
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	gen := captcha.NewGenerator(captcha.Config{
		OperandMin: cfg.Verify.OperandMin,
		OperandMax: cfg.Verify.OperandMax,
		Options:    cfg.Verify.Options,
	})

	ttl, err := config.ParseDurationOrDefault("verify.ttl", cfg.Verify.TTL, verify.DefaultTTL)
	if err != nil {
		return nil, err
	}

	gw := telegram.NewGateway(ad)
	vs := verify.New(verify.Config{
		TargetChatID:         cfg.Verify.TargetChatID,
		TTL:                  ttl,
		AutoApprove:          config.BoolOr(cfg.Verify.AutoApprove, true),
		DeclineUndeliverable: config.BoolOr(cfg.Verify.DeclineUndeliverable, true),
	}, gen, gw, gw, registryStore{store}, log.With(logx.String("comp", "verify")))

	bcast := broadcast.New(broadcast.Config{
		RatePerSec: cfg.Broadcast.RatePerSec,
		RetryMax:   cfg.Broadcast.RetryMax,
	}, ad, store, log.With(logx.String("comp", "broadcast")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		adapter: ad,
		store:   store,
		gen:     gen,
		verify:  vs,
		bcast:   bcast,
		health:  health.NewServer(log.With(logx.String("comp", "health"))),
		cron:    cron.New(),
		updates: make(chan kit.Update, 128),
	}

	router := commands.NewRouter(log.With(logx.String("comp", "commands")))
	router.Use(
		commands.MWPanicRecover(log),
		commands.MWRequestLog(log.With(logx.String("comp", "request"))),
		commands.MWTimeout(30*time.Second),
	)
	router.SetAdmins(cfg.Telegram.AdminUserIDs)
	commands.RegisterAll(router, commands.Deps{
		Sender:     ad,
		Store:      store,
		Verify:     vs,
		Broadcast:  bcast,
		Log:        log.With(logx.String("comp", "commands")),
		GroupTitle: cfg.Verify.GroupTitle,
		RunAsync:   a.runAsync,
	})
	router.OnJoinRequest(func(ctx context.Context, jr kit.JoinRequest) error {
		return vs.HandleJoinRequest(ctx, verify.JoinRequest{
			RequesterID: jr.RequesterID,
			Username:    jr.Username,
			FullName:    jr.FullName,
			ChatID:      jr.ChatID,
			ChatTitle:   jr.ChatTitle,
		})
	})
	a.router = router

	return a, nil
}

// registryStore narrows storage.Store to what the verification flow needs.
type registryStore struct{ s storage.Store }

func (r registryStore) UpsertUser(ctx context.Context, userID int64, username, fullName string) error {
	return r.s.UpsertUser(ctx, storage.User{ID: userID, Username: username, FullName: fullName})
}

func (a *App) runAsync(name string, fn func(ctx context.Context) error) {
	if a.sup != nil {
		a.sup.Go(name, fn)
		return
	}
	go func() { _ = fn(context.Background()) }()
}

// Done closes when the app's run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if spec := cfg.Verify.SweepSchedule; spec != "" {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("verify.sweep_schedule: %w", err)
			}
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	a.health.Apply(ctx, health.Config{Enabled: cfg.Health.Enabled, Address: cfg.Health.Address})

	a.cron.Start()
	a.applySweep(cfg.Verify.SweepSchedule)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd()

	if err := a.adapter.UpdateMenuCommands(ctx, menuFrom(a.router.Commands())); err != nil {
		a.log.Warn("menu command update failed", logx.Err(err))
	}

	a.log.Info("app started")
	return nil
}

func menuFrom(cmds []commands.Command) []telegram.MenuCommand {
	out := make([]telegram.MenuCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, telegram.MenuCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// applyConfig pushes a validated config into the live services.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	a.logs.SetTelegramTarget(cfg.Telegram.LogChatID)

	a.router.SetAdmins(cfg.Telegram.AdminUserIDs)

	a.gen.Apply(captcha.Config{
		OperandMin: cfg.Verify.OperandMin,
		OperandMax: cfg.Verify.OperandMax,
		Options:    cfg.Verify.Options,
	})

	ttl, err := config.ParseDurationOrDefault("verify.ttl", cfg.Verify.TTL, verify.DefaultTTL)
	if err != nil {
		// Validator rejects bad durations; keep the previous TTL if one
		// slips through.
		a.log.Warn("invalid verify.ttl on reload", logx.Err(err))
		ttl = verify.DefaultTTL
	}
	a.verify.Apply(verify.Config{
		TargetChatID:         cfg.Verify.TargetChatID,
		TTL:                  ttl,
		AutoApprove:          config.BoolOr(cfg.Verify.AutoApprove, true),
		DeclineUndeliverable: config.BoolOr(cfg.Verify.DeclineUndeliverable, true),
	})

	a.bcast.Apply(broadcast.Config{
		RatePerSec: cfg.Broadcast.RatePerSec,
		RetryMax:   cfg.Broadcast.RetryMax,
	})

	a.health.Apply(ctx, health.Config{Enabled: cfg.Health.Enabled, Address: cfg.Health.Address})
	a.applySweep(cfg.Verify.SweepSchedule)

	a.log.Info("config reloaded")
}

// applySweep reschedules the pending sweep job. Empty spec disables it.
func (a *App) applySweep(spec string) {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()

	if spec == a.sweep {
		return
	}
	if a.sweepID != 0 {
		a.cron.Remove(a.sweepID)
		a.sweepID = 0
	}
	a.sweep = spec
	if spec == "" {
		a.log.Info("pending sweep disabled")
		return
	}

	id, err := a.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if a.sup != nil {
			ctx = a.sup.Context()
		}
		_ = a.verify.SweepExpired(ctx)
	})
	if err != nil {
		a.log.Warn("invalid sweep schedule ignored", logx.String("spec", spec), logx.Err(err))
		a.sweep = ""
		return
	}
	a.sweepID = id
	a.log.Info("pending sweep scheduled", logx.String("spec", spec))
}

func (a *App) notifySystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component cannot stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, p)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-c.Done():
			return c.Err()
		}
		return nil
	})
	step("health", 2*time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
