package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gatebot/internal/captcha"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

// Outcome is the terminal result of evaluating a response.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDeclined Outcome = "declined"
	OutcomeExpired  Outcome = "expired"
	// OutcomeStale means no pending entry existed (already resolved,
	// duplicate press, or swept). Always a benign no-op.
	OutcomeStale Outcome = "stale"
	// OutcomeForeign means the responder is not the challenged requester.
	// The pending entry is left untouched.
	OutcomeForeign Outcome = "foreign"
)

const DefaultTTL = 5 * time.Minute

// JoinRequest and Response are the two inbound events the machine consumes.
type JoinRequest struct {
	RequesterID int64
	Username    string
	FullName    string
	ChatID      int64
	ChatTitle   string
}

type Response struct {
	RequesterID int64
	ResponderID int64
	Answer      int
	Username    string
	FullName    string
	// Ref points at the challenge message the responder pressed a button on;
	// zero when unknown.
	Ref kit.MessageRef
}

// NotificationGateway delivers challenge and result messages privately.
// SendChallenge must surface transport.ErrUndeliverable as a distinct,
// non-fatal condition.
type NotificationGateway interface {
	SendChallenge(ctx context.Context, userID int64, groupTitle, question string, options []int, ttl time.Duration) error
	SendResult(ctx context.Context, userID int64, ref kit.MessageRef, outcome Outcome, text string) error
}

// MembershipGateway resolves join requests on the platform side.
type MembershipGateway interface {
	Approve(ctx context.Context, chatID, userID int64) error
	Decline(ctx context.Context, chatID, userID int64) error
}

// UserRegistry is the durable record of verified users.
type UserRegistry interface {
	UpsertUser(ctx context.Context, userID int64, username, fullName string) error
}

type Config struct {
	TargetChatID int64
	TTL          time.Duration
	AutoApprove  bool
	// DeclineUndeliverable resolves the join request immediately when the
	// challenge cannot be delivered; an unreachable user can never answer.
	DeclineUndeliverable bool
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Service orchestrates the NoChallenge -> Pending -> terminal transitions.
// Each requester id is an independent unit of work; no operation blocks on
// another pending verification.
type Service struct {
	mu  sync.Mutex
	cfg Config

	pending  *PendingStore
	gen      *captcha.Generator
	notif    NotificationGateway
	member   MembershipGateway
	registry UserRegistry
	log      logx.Logger

	now func() time.Time
}

func New(cfg Config, gen *captcha.Generator, notif NotificationGateway, member MembershipGateway, registry UserRegistry, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		pending:  NewPendingStore(),
		gen:      gen,
		notif:    notif,
		member:   member,
		registry: registry,
		log:      log,
		now:      time.Now,
	}
}

// Apply swaps policy toggles and TTL (hot reload). Entries already issued
// keep the deadline they were created with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// PendingCount reports outstanding challenges (for /stats).
func (s *Service) PendingCount() int { return s.pending.Len() }

// HandleJoinRequest issues a challenge for a join request against the target
// group. Requests for other chats are ignored so a bot installed in several
// groups never leaks challenges across them.
func (s *Service) HandleJoinRequest(ctx context.Context, jr JoinRequest) error {
	cfg := s.config()
	if jr.ChatID != cfg.TargetChatID {
		s.log.Debug("join request for foreign chat ignored",
			logx.Int64("chat_id", jr.ChatID), logx.Int64("user_id", jr.RequesterID))
		return nil
	}

	ch := s.gen.New()
	now := s.now()
	p := Pending{
		RequesterID: jr.RequesterID,
		ChatID:      jr.ChatID,
		Answer:      ch.Answer,
		IssuedAt:    now,
		ExpiresAt:   now.Add(cfg.TTL),
	}
	s.pending.Put(p)

	err := s.notif.SendChallenge(ctx, jr.RequesterID, jr.ChatTitle, ch.Question, ch.Options, cfg.TTL)
	if err == nil {
		s.log.Info("challenge issued",
			logx.Int64("user_id", jr.RequesterID),
			logx.String("username", jr.Username),
			logx.Time("expires_at", now.Add(cfg.TTL)))
		return nil
	}

	if errors.Is(err, kit.ErrUndeliverable) {
		if cfg.DeclineUndeliverable {
			// Remove only the entry this request issued. A repeat join
			// request may have superseded it while the send was in flight;
			// that newer challenge must stay answerable.
			s.pending.RemoveExact(p)
			if derr := s.member.Decline(ctx, jr.ChatID, jr.RequesterID); derr != nil {
				s.log.Warn("decline after undeliverable challenge failed",
					logx.Int64("user_id", jr.RequesterID), logx.Err(derr))
			}
			s.log.Warn("challenge undeliverable; join request declined",
				logx.Int64("user_id", jr.RequesterID))
		} else {
			// Entry stays pending; the user may still open a chat with the
			// bot and re-request before the TTL runs out.
			s.log.Warn("challenge undeliverable; left pending until expiry",
				logx.Int64("user_id", jr.RequesterID))
		}
		return nil
	}

	return fmt.Errorf("send challenge to %d: %w", jr.RequesterID, err)
}

// HandleResponse evaluates a button press against the pending entry.
// Terminal transitions always remove the entry, so a stale response can
// never replay. Gateway failures after the transition are logged and do not
// roll it back; the verification outcome is final.
func (s *Service) HandleResponse(ctx context.Context, r Response) (Outcome, error) {
	if r.ResponderID != r.RequesterID {
		s.log.Warn("response from wrong user rejected",
			logx.Int64("requester_id", r.RequesterID), logx.Int64("responder_id", r.ResponderID))
		return OutcomeForeign, nil
	}

	cfg := s.config()

	p, ok := s.pending.Take(r.RequesterID)
	if !ok {
		s.log.Debug("response without pending entry ignored", logx.Int64("user_id", r.RequesterID))
		return OutcomeStale, nil
	}

	if p.Expired(s.now()) {
		if cfg.AutoApprove {
			if err := s.member.Decline(ctx, p.ChatID, p.RequesterID); err != nil {
				s.log.Warn("decline of expired challenge failed", logx.Int64("user_id", p.RequesterID), logx.Err(err))
			}
		}
		s.sendResult(ctx, r, OutcomeExpired, "Time is up. Send a new join request to try again.")
		s.log.Info("challenge expired at response time", logx.Int64("user_id", p.RequesterID))
		return OutcomeExpired, nil
	}

	if r.Answer != p.Answer {
		if cfg.AutoApprove {
			if err := s.member.Decline(ctx, p.ChatID, p.RequesterID); err != nil {
				s.log.Warn("decline failed", logx.Int64("user_id", p.RequesterID), logx.Err(err))
			}
		}
		s.sendResult(ctx, r, OutcomeDeclined, "Wrong answer. Your join request was declined.")
		s.log.Info("challenge failed",
			logx.Int64("user_id", p.RequesterID),
			logx.Int("claimed", r.Answer))
		return OutcomeDeclined, nil
	}

	if err := s.registry.UpsertUser(ctx, r.RequesterID, r.Username, r.FullName); err != nil {
		s.log.Error("registry upsert failed after verification", logx.Int64("user_id", r.RequesterID), logx.Err(err))
	}
	if cfg.AutoApprove {
		if err := s.member.Approve(ctx, p.ChatID, p.RequesterID); err != nil {
			s.log.Warn("approve failed", logx.Int64("user_id", p.RequesterID), logx.Err(err))
		}
		s.sendResult(ctx, r, OutcomeApproved, "Correct! You have been added to the group.")
	} else {
		s.sendResult(ctx, r, OutcomeApproved, "Correct! An admin will confirm your request shortly.")
	}
	s.log.Info("challenge passed", logx.Int64("user_id", p.RequesterID), logx.String("username", r.Username))
	return OutcomeApproved, nil
}

// SweepExpired drops entries past their deadline. Lazy expiry at response
// time remains authoritative; this only reclaims memory for challenges that
// were never answered.
func (s *Service) SweepExpired(ctx context.Context) error {
	if n := s.pending.Sweep(s.now()); n > 0 {
		s.log.Info("expired pending challenges swept", logx.Int("count", n))
	}
	return ctx.Err()
}

func (s *Service) sendResult(ctx context.Context, r Response, outcome Outcome, text string) {
	if err := s.notif.SendResult(ctx, r.RequesterID, r.Ref, outcome, text); err != nil {
		s.log.Warn("result delivery failed",
			logx.Int64("user_id", r.RequesterID), logx.String("outcome", string(outcome)), logx.Err(err))
	}
}
