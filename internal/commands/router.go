// Package commands routes inbound bot updates: slash commands to their
// handlers, callback presses to scope handlers, and join requests to the
// verification flow.
package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

// Request carries one inbound update through the middleware chain.
type Request struct {
	Update kit.Update
	Chat   kit.ChatTarget
	FromID int64

	FromUsername string
	FromFullName string
	IsAdmin      bool

	// Command and Args are set for message updates ("/broadcast hi" ->
	// "broadcast", ["hi"]).
	Command string
	Args    []string

	// CallbackID and Ref are set for callback updates.
	CallbackID string
	Ref        kit.MessageRef
}

type HandlerFunc func(ctx context.Context, req *Request) error

// CallbackHandler receives the parsed action and payload for a callback scope.
type CallbackHandler func(ctx context.Context, req *Request, action, payload string) error

// Command is one registered slash command.
type Command struct {
	Name        string
	Description string
	AdminOnly   bool
	Handle      HandlerFunc
}

// Router owns the registered routes and the dispatch worker pool.
type Router struct {
	log logx.Logger

	mu     sync.Mutex
	cmds   map[string]Command
	order  []string
	cbs    map[string]CallbackHandler
	onJoin func(ctx context.Context, jr kit.JoinRequest) error
	admins map[int64]struct{}
	mws    []Middleware

	jobs chan func()
}

func NewRouter(log logx.Logger) *Router {
	return &Router{
		log:    log,
		cmds:   map[string]Command{},
		cbs:    map[string]CallbackHandler{},
		admins: map[int64]struct{}{},
		jobs:   make(chan func(), 64),
	}
}

// Use appends middleware applied to every command and callback handler, in
// registration order.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.mws = append(r.mws, mw...)
	r.mu.Unlock()
}

func (r *Router) Register(c Command) {
	name := strings.TrimSpace(strings.TrimPrefix(c.Name, "/"))
	if name == "" || c.Handle == nil {
		return
	}
	c.Name = name
	r.mu.Lock()
	if _, dup := r.cmds[name]; !dup {
		r.order = append(r.order, name)
	}
	r.cmds[name] = c
	r.mu.Unlock()
}

// HandleCallback registers a handler for one callback_data scope.
func (r *Router) HandleCallback(scope string, h CallbackHandler) {
	scope = strings.TrimSpace(scope)
	if scope == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.cbs[scope] = h
	r.mu.Unlock()
}

// OnJoinRequest sets the join request sink.
func (r *Router) OnJoinRequest(fn func(ctx context.Context, jr kit.JoinRequest) error) {
	r.mu.Lock()
	r.onJoin = fn
	r.mu.Unlock()
}

// SetAdmins replaces the admin id set (hot reload).
func (r *Router) SetAdmins(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.admins = set
	r.mu.Unlock()
}

func (r *Router) isAdmin(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.admins[id]
	return ok
}

// Commands lists registered commands in registration order, admin-only ones
// excluded. Used to publish the Telegram menu.
func (r *Router) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, 0, len(r.order))
	for _, name := range r.order {
		c := r.cmds[name]
		if c.AdminOnly {
			continue
		}
		out = append(out, c)
	}
	return out
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
// Handlers run on a bounded worker pool so one slow handler cannot stall
// the poll loop.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeJobs := func() { closeOnce.Do(func() { close(r.jobs) }) }

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("panic in dispatch worker", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					if job != nil {
						job()
					}
				}
			}
		}()
	}

	defer func() {
		closeJobs()
		wg.Wait()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("dispatcher stopped (updates channel closed)")
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	case kit.UpdateJoinRequest:
		r.routeJoinRequest(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	r.mu.Lock()
	cmd, ok := r.cmds[word]
	mws := r.mws
	r.mu.Unlock()
	if !ok {
		return
	}

	req := &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		FromFullName: msg.FromFullName,
		IsAdmin:      r.isAdmin(msg.FromID),
		Command:      word,
		Args:         parts[1:],
	}

	if cmd.AdminOnly && !req.IsAdmin {
		r.log.Warn("admin command rejected",
			logx.String("cmd", word), logx.Int64("from_id", req.FromID))
		return
	}

	r.enqueue(func() {
		h := Chain(cmd.Handle, mws...)
		_ = h(ctx, req)
	})
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		r.log.Debug("malformed callback data ignored", logx.Int64("from_id", cb.FromID))
		return
	}

	r.mu.Lock()
	h, found := r.cbs[scope]
	mws := r.mws
	r.mu.Unlock()
	if !found {
		r.log.Debug("callback for unknown scope ignored", logx.String("scope", scope))
		return
	}

	req := &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:       cb.FromID,
		FromUsername: cb.FromUsername,
		FromFullName: cb.FromFullName,
		IsAdmin:      r.isAdmin(cb.FromID),
		CallbackID:   cb.ID,
		Ref:          kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID},
	}

	r.enqueue(func() {
		wrapped := Chain(func(c context.Context, rq *Request) error {
			return h(c, rq, action, payload)
		}, mws...)
		_ = wrapped(ctx, req)
	})
}

func (r *Router) routeJoinRequest(ctx context.Context, up kit.Update) {
	jr := up.JoinRequest
	if jr == nil {
		return
	}
	r.mu.Lock()
	fn := r.onJoin
	r.mu.Unlock()
	if fn == nil {
		return
	}
	v := *jr
	r.enqueue(func() {
		if err := fn(ctx, v); err != nil {
			r.log.Error("join request handling failed",
				logx.Int64("user_id", v.RequesterID), logx.Err(err))
		}
	})
}

func (r *Router) enqueue(job func()) {
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("dispatch queue full; update dropped")
	}
}
