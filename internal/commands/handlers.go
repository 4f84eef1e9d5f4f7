package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gatebot/internal/broadcast"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/verify"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

// Sender is the reply surface handlers need from the transport.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Deps wires the bot's services into the handlers.
type Deps struct {
	Sender    Sender
	Store     storage.Store
	Verify    *verify.Service
	Broadcast *broadcast.Service
	Log       logx.Logger

	// GroupTitle names the guarded group in user-facing text.
	GroupTitle string

	// RunAsync detaches long work (broadcast delivery) from the request
	// lifetime. Wired to the app supervisor.
	RunAsync func(name string, fn func(ctx context.Context) error)
}

// Callback_data vocabulary for challenge answer buttons.
// Payload format: "<requesterID>:<answer>".
const (
	CaptchaScope  = "captcha"
	CaptchaAnswer = "ans"
)

// RegisterAll installs the command set and the captcha callback route.
func RegisterAll(r *Router, d Deps) {
	r.Register(Command{Name: "start", Description: "Introduce the bot", Handle: d.handleStart})
	r.Register(Command{Name: "help", Description: "List available commands", Handle: d.handleHelp(r)})
	r.Register(Command{Name: "stats", AdminOnly: true, Description: "Show registry and pending counts", Handle: d.handleStats})
	r.Register(Command{Name: "broadcast", AdminOnly: true, Description: "Send a message to all registered users", Handle: d.handleBroadcast})
	r.HandleCallback(CaptchaScope, d.handleCaptcha)
}

func (d Deps) reply(ctx context.Context, req *Request, body tgui.H) error {
	_, err := d.Sender.SendText(ctx, req.Chat, body.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (d Deps) handleStart(ctx context.Context, req *Request) error {
	if req.Update.Message != nil && req.Update.Message.IsGroup {
		return nil
	}
	// Registering on /start means the bot can reach this user later, so the
	// challenge for their join request will not bounce.
	if err := d.Store.UpsertUser(ctx, storage.User{
		ID:       req.FromID,
		Username: req.FromUsername,
		FullName: req.FromFullName,
	}); err != nil {
		d.Log.Warn("start registration failed", logx.Int64("user_id", req.FromID), logx.Err(err))
	}

	title := d.GroupTitle
	if title == "" {
		title = "the group"
	}
	body := tgui.JoinH("\n",
		tgui.JoinH("", tgui.Esc("Hi! I guard "), tgui.B(title), tgui.Esc(".")),
		tgui.Esc("Send a join request to the group and I will message you a quick check."),
	)
	return d.reply(ctx, req, body)
}

func (d Deps) handleHelp(r *Router) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		lines := []tgui.H{tgui.B("Commands")}
		for _, c := range r.Commands() {
			lines = append(lines, tgui.JoinH("", tgui.Code("/"+c.Name), tgui.Esc(" - "+c.Description)))
		}
		if req.IsAdmin {
			lines = append(lines,
				tgui.JoinH("", tgui.Code("/stats"), tgui.Esc(" - Show registry and pending counts")),
				tgui.JoinH("", tgui.Code("/broadcast <text>"), tgui.Esc(" - Send a message to all registered users")),
			)
		}
		return d.reply(ctx, req, tgui.JoinH("\n", lines...))
	}
}

func (d Deps) handleStats(ctx context.Context, req *Request) error {
	users, err := d.Store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	body := tgui.JoinH("\n",
		tgui.B("Stats"),
		tgui.JoinH("", tgui.Esc("Registered users: "), tgui.Code(strconv.Itoa(users))),
		tgui.JoinH("", tgui.Esc("Pending challenges: "), tgui.Code(strconv.Itoa(d.Verify.PendingCount()))),
	)
	return d.reply(ctx, req, body)
}

func (d Deps) handleBroadcast(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(strings.Join(req.Args, " "))
	if text == "" {
		return d.reply(ctx, req, tgui.JoinH("", tgui.Esc("Usage: "), tgui.Code("/broadcast <text>")))
	}

	chat := req.Chat
	run := func(bctx context.Context) error {
		rep, err := d.Broadcast.Run(bctx, text)
		var summary tgui.H
		switch {
		case errors.Is(err, broadcast.ErrBusy):
			summary = tgui.Esc("A broadcast is already running; try again later.")
		case err != nil:
			summary = tgui.JoinH("", tgui.Esc("Broadcast aborted: "), tgui.Esc(err.Error()))
		default:
			summary = tgui.JoinH("", tgui.Esc("Broadcast done: "), tgui.Esc(rep.String()))
		}
		if _, serr := d.Sender.SendText(bctx, chat, summary.String(), &kit.SendOptions{ParseMode: "HTML"}); serr != nil {
			d.Log.Warn("broadcast summary delivery failed", logx.Err(serr))
		}
		return nil
	}

	if d.RunAsync != nil {
		if err := d.reply(ctx, req, tgui.Esc("Broadcast started.")); err != nil {
			d.Log.Warn("broadcast ack failed", logx.Err(err))
		}
		d.RunAsync("broadcast.run", run)
		return nil
	}
	return run(ctx)
}

func (d Deps) handleCaptcha(ctx context.Context, req *Request, action, payload string) error {
	if action != CaptchaAnswer {
		return nil
	}
	requesterID, answer, ok := parseCaptchaPayload(payload)
	if !ok {
		d.Log.Debug("malformed captcha payload ignored", logx.Int64("from_id", req.FromID))
		return d.Sender.AnswerCallback(ctx, req.CallbackID, "")
	}

	outcome, err := d.Verify.HandleResponse(ctx, verify.Response{
		RequesterID: requesterID,
		ResponderID: req.FromID,
		Answer:      answer,
		Username:    req.FromUsername,
		FullName:    req.FromFullName,
		Ref:         req.Ref,
	})
	if err != nil {
		return err
	}

	var note string
	switch outcome {
	case verify.OutcomeApproved:
		note = "Welcome!"
	case verify.OutcomeDeclined:
		note = "Wrong answer."
	case verify.OutcomeExpired:
		note = "Too late."
	case verify.OutcomeStale:
		note = "Already handled."
	case verify.OutcomeForeign:
		note = "This check is not for you."
	}
	return d.Sender.AnswerCallback(ctx, req.CallbackID, note)
}

func parseCaptchaPayload(payload string) (requesterID int64, answer int, ok bool) {
	i := strings.IndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(payload[:i], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	ans, err := strconv.Atoi(payload[i+1:])
	if err != nil {
		return 0, 0, false
	}
	return id, ans, true
}
