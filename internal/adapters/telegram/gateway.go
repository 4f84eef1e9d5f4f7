package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"gatebot/internal/commands"
	kit "gatebot/internal/transport"
	"gatebot/internal/verify"
	"gatebot/pkg/tgui"
)

// Gateway adapts the bot transport to the verification service's notification
// and membership ports. Challenge messages go to the requester's private chat
// (for private chats the chat id equals the user id).
type Gateway struct {
	a *Adapter
}

func NewGateway(a *Adapter) *Gateway { return &Gateway{a: a} }

func (g *Gateway) SendChallenge(ctx context.Context, userID int64, groupTitle, question string, options []int, ttl time.Duration) error {
	body := tgui.JoinH("\n",
		tgui.JoinH("", tgui.B("Verification required"), tgui.Esc(" for "), tgui.B(groupTitle)),
		tgui.H(""),
		tgui.Esc("Solve this to get in:"),
		tgui.Code(question),
		tgui.H(""),
		tgui.I("You have "+ttlText(ttl)+"."),
	)

	btns := make([]tele.Btn, 0, len(options))
	for _, opt := range options {
		payload := strconv.FormatInt(userID, 10) + ":" + strconv.Itoa(opt)
		data := tgui.Data(commands.CaptchaScope, commands.CaptchaAnswer, payload)
		if len(data) > tgui.MaxCallbackDataLen {
			return fmt.Errorf("challenge button: %w", tgui.ErrCallbackDataTooLong)
		}
		btns = append(btns, tgui.Btn(strconv.Itoa(opt), data))
	}
	kb := tgui.NewInline().Row(btns...)

	_, err := g.a.SendText(ctx, kit.ChatTarget{ChatID: userID}, body.String(), &kit.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     true,
		ReplyMarkupAdapter: kb.Markup(),
	})
	return err
}

func (g *Gateway) SendResult(ctx context.Context, userID int64, ref kit.MessageRef, outcome verify.Outcome, text string) error {
	body := resultBody(outcome, text)
	if ref.MessageID != 0 {
		// Replace the challenge message so the keyboard disappears.
		if err := g.a.EditText(ctx, ref, body.String(), &kit.SendOptions{ParseMode: "HTML"}); err == nil {
			return nil
		}
		// Edit can fail when the message is too old or already changed;
		// fall back to a fresh message.
	}
	_, err := g.a.SendText(ctx, kit.ChatTarget{ChatID: userID}, body.String(), &kit.SendOptions{ParseMode: "HTML"})
	return err
}

func (g *Gateway) Approve(ctx context.Context, chatID, userID int64) error {
	return g.a.ApproveJoinRequest(ctx, chatID, userID)
}

func (g *Gateway) Decline(ctx context.Context, chatID, userID int64) error {
	return g.a.DeclineJoinRequest(ctx, chatID, userID)
}

// ttlText renders the answer window for the challenge message. Whole
// minutes read as "5 minutes"; anything finer falls back to the duration
// string ("90s" renders as "1m30s").
func ttlText(ttl time.Duration) string {
	if ttl <= 0 {
		ttl = verify.DefaultTTL
	}
	ttl = ttl.Round(time.Second)
	if ttl >= time.Minute && ttl%time.Minute == 0 {
		m := int(ttl / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return ttl.String()
}

func resultBody(outcome verify.Outcome, text string) tgui.H {
	var head tgui.H
	switch outcome {
	case verify.OutcomeApproved:
		head = tgui.B("Verified")
	case verify.OutcomeDeclined:
		head = tgui.B("Declined")
	case verify.OutcomeExpired:
		head = tgui.B("Expired")
	default:
		head = tgui.B("Verification")
	}
	return tgui.JoinH("\n", head, tgui.Esc(text))
}
