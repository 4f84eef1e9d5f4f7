package verify

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"gatebot/internal/captcha"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

const (
	testChatID = int64(-100123)
	testUserID = int64(42)
)

type fakeNotifier struct {
	mu            sync.Mutex
	challengeErr  error
	challenges    int
	lastQuestion  string
	lastOptions   []int
	lastTTL       time.Duration
	results       []Outcome
	lastResultMsg string
}

func (f *fakeNotifier) SendChallenge(_ context.Context, _ int64, _ string, question string, options []int, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challengeErr != nil {
		return f.challengeErr
	}
	f.challenges++
	f.lastQuestion = question
	f.lastOptions = append([]int(nil), options...)
	f.lastTTL = ttl
	return nil
}

func (f *fakeNotifier) SendResult(_ context.Context, _ int64, _ kit.MessageRef, outcome Outcome, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, outcome)
	f.lastResultMsg = text
	return nil
}

type fakeMembership struct {
	mu        sync.Mutex
	approves  int
	declines  int
	actionErr error
}

func (f *fakeMembership) Approve(_ context.Context, _, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approves++
	return f.actionErr
}

func (f *fakeMembership) Decline(_ context.Context, _, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declines++
	return f.actionErr
}

type fakeRegistry struct {
	mu      sync.Mutex
	upserts int
	lastID  int64
}

func (f *fakeRegistry) UpsertUser(_ context.Context, userID int64, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.lastID = userID
	return nil
}

type harness struct {
	svc    *Service
	notif  *fakeNotifier
	member *fakeMembership
	reg    *fakeRegistry
	now    time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.TargetChatID == 0 {
		cfg.TargetChatID = testChatID
	}
	h := &harness{
		notif:  &fakeNotifier{},
		member: &fakeMembership{},
		reg:    &fakeRegistry{},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	gen := captcha.NewGeneratorWithSource(captcha.Config{}, rand.New(rand.NewSource(1)))
	h.svc = New(cfg, gen, h.notif, h.member, h.reg, logx.Nop())
	h.svc.now = func() time.Time { return h.now }
	return h
}

func (h *harness) join(t *testing.T) Pending {
	t.Helper()
	err := h.svc.HandleJoinRequest(context.Background(), JoinRequest{
		RequesterID: testUserID, Username: "alice", FullName: "Alice", ChatID: testChatID, ChatTitle: "Test Group",
	})
	if err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	p, ok := h.svc.pending.Get(testUserID)
	if !ok {
		t.Fatal("no pending entry after join request")
	}
	return p
}

func TestJoinRequestIssuesChallenge(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	p := h.join(t)

	if h.notif.challenges != 1 {
		t.Fatalf("challenges sent = %d, want 1", h.notif.challenges)
	}
	if want := h.now.Add(DefaultTTL); !p.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", p.ExpiresAt, want)
	}
	if h.notif.lastTTL != DefaultTTL {
		t.Fatalf("challenge ttl = %v, want %v", h.notif.lastTTL, DefaultTTL)
	}
	found := false
	for _, o := range h.notif.lastOptions {
		if o == p.Answer {
			found = true
		}
	}
	if !found {
		t.Fatalf("options %v do not contain answer %d", h.notif.lastOptions, p.Answer)
	}
}

func TestJoinRequestForeignChatIgnored(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	err := h.svc.HandleJoinRequest(context.Background(), JoinRequest{
		RequesterID: testUserID, ChatID: -200999, ChatTitle: "Other",
	})
	if err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if h.notif.challenges != 0 || h.svc.PendingCount() != 0 {
		t.Fatal("foreign-chat join request must not create state")
	}
}

func TestRepeatJoinRequestSupersedes(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	h.join(t)
	h.now = h.now.Add(time.Minute)
	p2 := h.join(t)

	if h.svc.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", h.svc.PendingCount())
	}
	if !p2.IssuedAt.Equal(h.now) {
		t.Fatalf("IssuedAt = %v, want data from the most recent request", p2.IssuedAt)
	}
}

func TestCorrectAnswerApproves(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	p := h.join(t)

	out, err := h.svc.HandleResponse(context.Background(), Response{
		RequesterID: testUserID, ResponderID: testUserID, Answer: p.Answer, Username: "alice",
	})
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if out != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", out)
	}
	if h.reg.upserts != 1 {
		t.Fatalf("registry upserts = %d, want exactly 1", h.reg.upserts)
	}
	if h.member.approves != 1 || h.member.declines != 0 {
		t.Fatalf("approve/decline = %d/%d, want 1/0", h.member.approves, h.member.declines)
	}
	if h.svc.PendingCount() != 0 {
		t.Fatal("pending entry must be removed on approval")
	}
}

func TestWrongAnswerDeclines(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	p := h.join(t)

	out, err := h.svc.HandleResponse(context.Background(), Response{
		RequesterID: testUserID, ResponderID: testUserID, Answer: p.Answer + 1,
	})
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if out != OutcomeDeclined {
		t.Fatalf("outcome = %s, want declined", out)
	}
	if h.reg.upserts != 0 {
		t.Fatalf("registry upserts = %d, want 0", h.reg.upserts)
	}
	if h.member.declines != 1 {
		t.Fatalf("declines = %d, want 1", h.member.declines)
	}
	if h.svc.PendingCount() != 0 {
		t.Fatal("pending entry must be removed on decline")
	}
}

func TestExpiredResponse(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	p := h.join(t)
	h.now = h.now.Add(DefaultTTL + time.Second)

	// Even the correct answer is too late.
	out, err := h.svc.HandleResponse(context.Background(), Response{
		RequesterID: testUserID, ResponderID: testUserID, Answer: p.Answer,
	})
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if out != OutcomeExpired {
		t.Fatalf("outcome = %s, want expired", out)
	}
	if h.reg.upserts != 0 || h.member.approves != 0 {
		t.Fatal("expired response must not register or approve")
	}
	if h.member.declines != 1 {
		t.Fatalf("declines = %d, want 1", h.member.declines)
	}
	if h.svc.PendingCount() != 0 {
		t.Fatal("expired entry must be removed")
	}
}

func TestForeignResponderRejectedWithoutMutation(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	p := h.join(t)

	out, err := h.svc.HandleResponse(context.Background(), Response{
		RequesterID: testUserID, ResponderID: testUserID + 1, Answer: p.Answer,
	})
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if out != OutcomeForeign {
		t.Fatalf("outcome = %s, want foreign", out)
	}
	if h.svc.PendingCount() != 1 {
		t.Fatal("pending entry must survive a foreign response")
	}

	// The real requester can still resolve it.
	out, _ = h.svc.HandleResponse(context.Background(), Response{
		RequesterID: testUserID, ResponderID: testUserID, Answer: p.Answer,
	})
	if out != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved after foreign attempt", out)
	}
}

func TestStaleResponseIsNoOp(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})

	out, err := h.svc.HandleResponse(context.Background(), Response{
		RequesterID: testUserID, ResponderID: testUserID, Answer: 7,
	})
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if out != OutcomeStale {
		t.Fatalf("outcome = %s, want stale", out)
	}
	if h.member.approves+h.member.declines+h.reg.upserts != 0 {
		t.Fatal("stale response must not touch gateways")
	}
}

func TestDuplicateResponseResolvesOnce(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	p := h.join(t)

	r := Response{RequesterID: testUserID, ResponderID: testUserID, Answer: p.Answer}
	if out, _ := h.svc.HandleResponse(context.Background(), r); out != OutcomeApproved {
		t.Fatalf("first response outcome %s", out)
	}
	if out, _ := h.svc.HandleResponse(context.Background(), r); out != OutcomeStale {
		t.Fatalf("duplicate response outcome %s, want stale", out)
	}
	if h.reg.upserts != 1 {
		t.Fatalf("registry upserts = %d, want exactly 1", h.reg.upserts)
	}
}

func TestManualModerationSkipsMembershipActions(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: false})
	p := h.join(t)

	out, _ := h.svc.HandleResponse(context.Background(), Response{
		RequesterID: testUserID, ResponderID: testUserID, Answer: p.Answer,
	})
	if out != OutcomeApproved {
		t.Fatalf("outcome = %s", out)
	}
	if h.member.approves != 0 {
		t.Fatal("manual moderation must not auto-approve")
	}
	if h.reg.upserts != 1 {
		t.Fatalf("registry upserts = %d, want 1", h.reg.upserts)
	}
}

func TestUndeliverableChallengeDeclines(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true, DeclineUndeliverable: true})
	h.notif.challengeErr = kit.ErrUndeliverable

	err := h.svc.HandleJoinRequest(context.Background(), JoinRequest{
		RequesterID: testUserID, ChatID: testChatID,
	})
	if err != nil {
		t.Fatalf("undeliverable challenge must not be a hard error: %v", err)
	}
	if h.member.declines != 1 {
		t.Fatalf("declines = %d, want 1", h.member.declines)
	}
	if h.svc.PendingCount() != 0 {
		t.Fatal("pending entry must be removed when declining undeliverable")
	}
}

func TestChallengeCarriesConfiguredTTL(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true, TTL: 2 * time.Minute})
	p := h.join(t)

	if h.notif.lastTTL != 2*time.Minute {
		t.Fatalf("challenge ttl = %v, want 2m", h.notif.lastTTL)
	}
	if want := h.now.Add(2 * time.Minute); !p.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", p.ExpiresAt, want)
	}
}

// supersedingNotifier fails the first challenge delivery as undeliverable,
// but not before feeding the service a repeat join request; the cleanup for
// the failed send must then leave the newer entry alone.
type supersedingNotifier struct {
	svc     *Service
	advance func()
	calls   int
}

func (n *supersedingNotifier) SendChallenge(ctx context.Context, _ int64, _ string, _ string, _ []int, _ time.Duration) error {
	n.calls++
	if n.calls > 1 {
		return nil
	}
	n.advance()
	if err := n.svc.HandleJoinRequest(ctx, JoinRequest{
		RequesterID: testUserID, ChatID: testChatID,
	}); err != nil {
		return err
	}
	return kit.ErrUndeliverable
}

func (n *supersedingNotifier) SendResult(context.Context, int64, kit.MessageRef, Outcome, string) error {
	return nil
}

func TestUndeliverableDeclineSparesSupersededEntry(t *testing.T) {
	notif := &supersedingNotifier{}
	member := &fakeMembership{}
	gen := captcha.NewGeneratorWithSource(captcha.Config{}, rand.New(rand.NewSource(1)))
	svc := New(Config{TargetChatID: testChatID, AutoApprove: true, DeclineUndeliverable: true},
		gen, notif, member, &fakeRegistry{}, logx.Nop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	notif.svc = svc
	notif.advance = func() { now = now.Add(time.Second) }

	err := svc.HandleJoinRequest(context.Background(), JoinRequest{
		RequesterID: testUserID, ChatID: testChatID,
	})
	if err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if notif.calls != 2 {
		t.Fatalf("challenge sends = %d, want 2", notif.calls)
	}
	p, ok := svc.pending.Get(testUserID)
	if !ok {
		t.Fatal("the superseding challenge must remain answerable")
	}
	if want := now.Add(DefaultTTL); !p.ExpiresAt.Equal(want) {
		t.Fatalf("surviving entry ExpiresAt = %v, want the newer deadline %v", p.ExpiresAt, want)
	}
}

func TestUndeliverableChallengeLeftPending(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true, DeclineUndeliverable: false})
	h.notif.challengeErr = kit.ErrUndeliverable

	if err := h.svc.HandleJoinRequest(context.Background(), JoinRequest{
		RequesterID: testUserID, ChatID: testChatID,
	}); err != nil {
		t.Fatalf("HandleJoinRequest: %v", err)
	}
	if h.member.declines != 0 {
		t.Fatal("entry should be left pending, not declined")
	}
	if h.svc.PendingCount() != 1 {
		t.Fatal("pending entry should remain")
	}
}

func TestGatewayFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	p := h.join(t)
	h.member.actionErr = context.DeadlineExceeded

	out, err := h.svc.HandleResponse(context.Background(), Response{
		RequesterID: testUserID, ResponderID: testUserID, Answer: p.Answer,
	})
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if out != OutcomeApproved {
		t.Fatalf("outcome = %s; gateway failure must not change it", out)
	}
	if h.svc.PendingCount() != 0 {
		t.Fatal("entry must be removed even when the approve call fails")
	}
	if h.reg.upserts != 1 {
		t.Fatalf("registry upserts = %d, want 1", h.reg.upserts)
	}
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, Config{AutoApprove: true})
	h.join(t)
	h.now = h.now.Add(DefaultTTL + time.Minute)

	if err := h.svc.SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if h.svc.PendingCount() != 0 {
		t.Fatal("sweep should reclaim the expired entry")
	}
	// Sweep never resolves the join request on the platform side.
	if h.member.declines != 0 {
		t.Fatal("sweep must not call membership gateways")
	}
}
