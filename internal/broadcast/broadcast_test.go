package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type fakeStore struct {
	storage.Store
	ids []int64
}

func (f *fakeStore) AllUserIDs(ctx context.Context) ([]int64, error) { return f.ids, nil }

type fakeSender struct {
	mu    sync.Mutex
	sent  []int64
	fail  map[int64]error
	calls map[int64]int
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[int64]int{}
	}
	f.calls[to.ChatID]++
	if err, ok := f.fail[to.ChatID]; ok {
		return kit.MessageRef{}, err
	}
	f.sent = append(f.sent, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func newService(sender *fakeSender, ids []int64, retry int) *Service {
	return New(Config{RatePerSec: 1000, RetryMax: retry}, sender, &fakeStore{ids: ids}, logx.Nop())
}

func TestRunDeliversToAll(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(sender, []int64{1, 2, 3}, 0)

	rep, err := svc.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Total != 3 || rep.Sent != 3 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("sent = %v", sender.sent)
	}
}

func TestRunContinuesPastFailures(t *testing.T) {
	sender := &fakeSender{fail: map[int64]error{2: kit.ErrUndeliverable}}
	svc := newService(sender, []int64{1, 2, 3}, 2)

	rep, err := svc.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	// Undeliverable recipients must not be retried.
	if sender.calls[2] != 1 {
		t.Fatalf("calls to blocked user = %d, want 1", sender.calls[2])
	}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	sender := &fakeSender{fail: map[int64]error{7: errors.New("boom")}}
	svc := newService(sender, []int64{7}, 2)

	rep, err := svc.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if sender.calls[7] != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", sender.calls[7])
	}
}

func TestRunRejectsOverlap(t *testing.T) {
	ids := make([]int64, 200)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	sender := &fakeSender{}
	// Low rate so the first job is still running when the second starts.
	svc := New(Config{RatePerSec: 5}, sender, &fakeStore{ids: ids}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := svc.Run(ctx, "hello")
		done <- err
	}()

	<-started
	time.Sleep(50 * time.Millisecond)
	if _, err := svc.Run(ctx, "again"); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping Run err = %v, want ErrBusy", err)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("first Run err = %v", err)
	}
}

func TestReportString(t *testing.T) {
	rep := Report{Total: 10, Sent: 9, Failed: 1, Took: 1234 * time.Millisecond}
	got := rep.String()
	want := fmt.Sprintf("sent %d/%d (failed %d) in %s", 9, 10, 1, rep.Took.Round(time.Millisecond))
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
