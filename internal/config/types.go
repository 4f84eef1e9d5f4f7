package config

import (
	"errors"
	"fmt"

	"gatebot/internal/captcha"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Verify    VerifyConfig    `json:"verify"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Logging   LoggingConfig   `json:"logging"`
	Health    HealthConfig    `json:"health"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// LogChatID is an optional chat that receives warning/error log lines.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type VerifyConfig struct {
	// TargetChatID is the managed group; join requests from any other chat
	// are ignored.
	TargetChatID int64 `json:"target_chat_id"`
	// GroupTitle names the guarded group in user-facing text; optional
	// because join request updates already carry the live title.
	GroupTitle string `json:"group_title,omitempty"`
	// TTL is how long a challenge stays answerable (Go duration string).
	TTL     string `json:"ttl,omitempty"`
	Options int    `json:"options,omitempty"`
	// Operand bounds for the arithmetic question (inclusive).
	OperandMin int `json:"operand_min,omitempty"`
	OperandMax int `json:"operand_max,omitempty"`
	// AutoApprove resolves the join request on the Telegram side when the
	// answer is correct (and declines on wrong/expired answers). When false
	// the bot only notifies and leaves moderation to an admin.
	// nil means true.
	AutoApprove *bool `json:"auto_approve,omitempty"`
	// DeclineUndeliverable declines the join request right away when the
	// challenge cannot be delivered privately. When false the entry stays
	// pending until it expires. nil means true.
	DeclineUndeliverable *bool `json:"decline_undeliverable,omitempty"`
	// SweepSchedule is a robfig/cron spec (e.g. "@every 1m") for reclaiming
	// expired pending entries. Empty disables the sweep; correctness does
	// not depend on it.
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// BoolOr resolves an optional bool field against its default.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BusyTimeout is a Go duration string; sqlite only.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type BroadcastConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}
type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
}

// Validate checks the invariants that hold for both startup and hot-reload.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if c.Verify.TargetChatID == 0 {
		return errors.New("verify.target_chat_id is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("verify.ttl", c.Verify.TTL); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Verify.Options != 0 && (c.Verify.Options < 2 || c.Verify.Options > captcha.MaxOptions) {
		return fmt.Errorf("verify.options must be between 2 and %d", captcha.MaxOptions)
	}
	if c.Verify.OperandMin < 0 || c.Verify.OperandMax < 0 {
		return errors.New("verify operand bounds must be >= 0")
	}
	if c.Verify.OperandMax != 0 && c.Verify.OperandMax < c.Verify.OperandMin {
		return fmt.Errorf("verify.operand_max (%d) below operand_min (%d)", c.Verify.OperandMax, c.Verify.OperandMin)
	}
	if c.Broadcast.RatePerSec < 0 {
		return errors.New("broadcast.rate_per_sec must be >= 0")
	}
	if c.Broadcast.RetryMax < 0 {
		return errors.New("broadcast.retry_max must be >= 0")
	}
	return nil
}
