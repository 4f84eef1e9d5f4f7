package transport

import (
	"context"
	"errors"
)

// ErrUndeliverable marks a private message that Telegram refused to deliver,
// typically because the user never started a conversation with the bot or
// blocked it. Callers must treat it as a distinct, non-fatal outcome.
var ErrUndeliverable = errors.New("recipient unreachable")

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateJoinRequest UpdateKind = "join_request"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Callback    *Callback
	JoinRequest *JoinRequest
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromFullName string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	FromFullName string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

// JoinRequest is an application from a user to enter a managed group.
// RequesterID doubles as the private chat id for challenge delivery.
type JoinRequest struct {
	RequesterID int64
	Username    string
	FullName    string
	ChatID      int64
	ChatTitle   string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// ApproveJoinRequest and DeclineJoinRequest resolve a pending join
	// request. Resolving one that Telegram already considers settled yields
	// an error that is safe to log and drop.
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	DeclineJoinRequest(ctx context.Context, chatID, userID int64) error
}
