package telegram

import (
	"strings"
	"testing"
	"time"

	"gatebot/internal/verify"
)

func TestTTLText(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want string
	}{
		{5 * time.Minute, "5 minutes"},
		{time.Minute, "1 minute"},
		{2 * time.Minute, "2 minutes"},
		{90 * time.Second, "1m30s"},
		{45 * time.Second, "45s"},
		{0, "5 minutes"}, // unset falls back to the default window
	}
	for _, tt := range tests {
		if got := ttlText(tt.ttl); got != tt.want {
			t.Errorf("ttlText(%v) = %q, want %q", tt.ttl, got, tt.want)
		}
	}
}

func TestResultBodyHeads(t *testing.T) {
	tests := []struct {
		outcome verify.Outcome
		head    string
	}{
		{verify.OutcomeApproved, "Verified"},
		{verify.OutcomeDeclined, "Declined"},
		{verify.OutcomeExpired, "Expired"},
		{verify.OutcomeStale, "Verification"},
	}
	for _, tt := range tests {
		body := resultBody(tt.outcome, "details").String()
		if !strings.Contains(body, tt.head) {
			t.Errorf("resultBody(%s) = %q, want head %q", tt.outcome, body, tt.head)
		}
	}
}
