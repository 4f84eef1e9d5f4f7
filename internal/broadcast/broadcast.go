// Package broadcast fans an admin message out to every registered user,
// throttled so Telegram's per-bot send limits are respected.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// ErrBusy is returned when a broadcast is already running. Only one job runs
// at a time; overlapping jobs would double-spend the rate budget.
var ErrBusy = errors.New("broadcast already in progress")

type Config struct {
	// RatePerSec caps outgoing sends. Telegram allows ~30 messages/sec per
	// bot; the default stays well under that.
	RatePerSec int
	// RetryMax is the number of extra attempts per recipient after the first.
	RetryMax int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

// Report summarizes one finished broadcast.
type Report struct {
	Total  int
	Sent   int
	Failed int
	Took   time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("sent %d/%d (failed %d) in %s", r.Sent, r.Total, r.Failed, r.Took.Round(time.Millisecond))
}

type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	busy    bool

	sender Sender
	store  storage.Store
	log    logx.Logger
}

func New(cfg Config, sender Sender, store storage.Store, log logx.Logger) *Service {
	s := &Service{sender: sender, store: store, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps the rate and retry policy. A job already running keeps the
// limiter it started with.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Run delivers text to every registered user and blocks until done or the
// context ends. A failure for one recipient never aborts the rest.
func (s *Service) Run(ctx context.Context, text string) (Report, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Report{}, ErrBusy
	}
	s.busy = true
	lim := s.limiter
	retry := s.cfg.RetryMax
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	ids, err := s.store.AllUserIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list recipients: %w", err)
	}

	start := time.Now()
	rep := Report{Total: len(ids)}
	s.log.Info("broadcast started", logx.Int("recipients", rep.Total))

	for _, id := range ids {
		if err := lim.Wait(ctx); err != nil {
			rep.Took = time.Since(start)
			return rep, err
		}
		if err := s.sendOne(ctx, id, text, retry); err != nil {
			if ctx.Err() != nil {
				rep.Took = time.Since(start)
				return rep, ctx.Err()
			}
			rep.Failed++
			s.log.Warn("broadcast send failed", logx.Int64("user_id", id), logx.Err(err))
			continue
		}
		rep.Sent++
	}

	rep.Took = time.Since(start)
	s.log.Info("broadcast finished",
		logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed), logx.Duration("took", rep.Took))
	return rep, nil
}

func (s *Service) sendOne(ctx context.Context, userID int64, text string, retry int) error {
	var last error
	for i := 0; i <= retry; i++ {
		_, err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, nil)
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, kit.ErrUndeliverable) || i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return last
}
