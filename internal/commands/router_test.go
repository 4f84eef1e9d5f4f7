package commands

import (
	"context"
	"sync"
	"testing"
	"time"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

func startLoop(t *testing.T, r *Router) chan<- kit.Update {
	t.Helper()
	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func msgUpdate(fromID int64, text string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID: 1, ChatID: fromID, FromID: fromID, Text: text,
		},
	}
}

func TestRouterDispatchesCommand(t *testing.T) {
	r := NewRouter(logx.Nop())

	var mu sync.Mutex
	var got *Request
	r.Register(Command{Name: "start", Handle: func(ctx context.Context, req *Request) error {
		mu.Lock()
		got = req
		mu.Unlock()
		return nil
	}})

	updates := startLoop(t, r)
	updates <- msgUpdate(42, "/start@my_bot extra arg")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if got.Command != "start" {
		t.Fatalf("command = %q, want start", got.Command)
	}
	if len(got.Args) != 2 || got.Args[0] != "extra" {
		t.Fatalf("args = %v", got.Args)
	}
	if got.FromID != 42 {
		t.Fatalf("from = %d", got.FromID)
	}
}

func TestRouterIgnoresUnknownCommandAndPlainText(t *testing.T) {
	r := NewRouter(logx.Nop())

	var mu sync.Mutex
	calls := 0
	r.Register(Command{Name: "start", Handle: func(ctx context.Context, req *Request) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}})

	updates := startLoop(t, r)
	updates <- msgUpdate(1, "/unknown")
	updates <- msgUpdate(1, "just chatting")
	updates <- msgUpdate(1, "/start")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
}

func TestRouterRejectsAdminCommandForNonAdmin(t *testing.T) {
	r := NewRouter(logx.Nop())
	r.SetAdmins([]int64{100})

	var mu sync.Mutex
	var fromIDs []int64
	r.Register(Command{Name: "stats", AdminOnly: true, Handle: func(ctx context.Context, req *Request) error {
		mu.Lock()
		fromIDs = append(fromIDs, req.FromID)
		mu.Unlock()
		return nil
	}})

	updates := startLoop(t, r)
	updates <- msgUpdate(7, "/stats")
	updates <- msgUpdate(100, "/stats")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fromIDs) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if fromIDs[0] != 100 {
		t.Fatalf("handled from = %v, want only admin 100", fromIDs)
	}
}

func TestRouterRoutesCallbackByScope(t *testing.T) {
	r := NewRouter(logx.Nop())

	var mu sync.Mutex
	var gotAction, gotPayload string
	r.HandleCallback("captcha", func(ctx context.Context, req *Request, action, payload string) error {
		mu.Lock()
		gotAction, gotPayload = action, payload
		mu.Unlock()
		return nil
	})

	updates := startLoop(t, r)
	updates <- kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID: "cb1", FromID: 42, ChatID: 42, MessageID: 9,
			Data: "captcha:ans:42:13",
		},
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotAction != ""
	})

	mu.Lock()
	defer mu.Unlock()
	if gotAction != "ans" || gotPayload != "42:13" {
		t.Fatalf("action=%q payload=%q", gotAction, gotPayload)
	}
}

func TestRouterRoutesJoinRequest(t *testing.T) {
	r := NewRouter(logx.Nop())

	var mu sync.Mutex
	var got kit.JoinRequest
	r.OnJoinRequest(func(ctx context.Context, jr kit.JoinRequest) error {
		mu.Lock()
		got = jr
		mu.Unlock()
		return nil
	})

	updates := startLoop(t, r)
	updates <- kit.Update{
		Kind: kit.UpdateJoinRequest,
		JoinRequest: &kit.JoinRequest{
			RequesterID: 55, ChatID: -100, ChatTitle: "Test Group", Username: "alice",
		},
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.RequesterID == 55
	})

	mu.Lock()
	defer mu.Unlock()
	if got.ChatID != -100 || got.Username != "alice" {
		t.Fatalf("join request = %+v", got)
	}
}

func TestChainOrderAndRecover(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	h := Chain(func(ctx context.Context, req *Request) error {
		order = append(order, "handler")
		panic("boom")
	}, MWPanicRecover(logx.Nop()), mw("a"), mw("b"))

	err := h(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "handler" {
		t.Fatalf("order = %v", order)
	}
}

func TestCommandsListSkipsAdminOnly(t *testing.T) {
	r := NewRouter(logx.Nop())
	nop := func(ctx context.Context, req *Request) error { return nil }
	r.Register(Command{Name: "start", Description: "s", Handle: nop})
	r.Register(Command{Name: "broadcast", AdminOnly: true, Handle: nop})
	r.Register(Command{Name: "help", Description: "h", Handle: nop})

	cmds := r.Commands()
	if len(cmds) != 2 || cmds[0].Name != "start" || cmds[1].Name != "help" {
		t.Fatalf("commands = %+v", cmds)
	}
}
