package audit

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestResourceTypeOf(t *testing.T) {
	cases := []struct {
		action string
		want   string
	}{
		{"memory.store.pre", "memory"},
		{"memory.store.post", "memory"},
		{"session.resume.pre", "session"},
		{"tenant.config.update.post", "tenant"},
		{"noop", "noop"},
	}
	for _, tt := range cases {
		if got := ResourceTypeOf(tt.action); got != tt.want {
			t.Errorf("ResourceTypeOf(%q) = %q, want %q", tt.action, got, tt.want)
		}
	}
}

func TestLogDropsWhenFull(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(Event{Action: "memory.store.pre"})
	}

	// The next log should be dropped (non-blocking), not block the test.
	w.Log(Event{Action: "dropped"})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLogPreAndPostShareRequestID(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	requestID := uuid.New()
	ctx := context.Background()

	w.LogPre(ctx, requestID, "memory.store", "mem-1", nil)
	w.LogPost(ctx, requestID, "memory.store", "mem-1", true, nil)

	pre := <-w.entries
	post := <-w.entries

	if pre.RequestID != requestID || post.RequestID != requestID {
		t.Fatalf("RequestID mismatch: pre=%v post=%v want=%v", pre.RequestID, post.RequestID, requestID)
	}
	if pre.Action != "memory.store.pre" {
		t.Errorf("pre.Action = %q, want %q", pre.Action, "memory.store.pre")
	}
	if post.Action != "memory.store.post" {
		t.Errorf("post.Action = %q, want %q", post.Action, "memory.store.post")
	}
	if pre.ResourceType != "memory" || post.ResourceType != "memory" {
		t.Errorf("ResourceType = %q / %q, want %q", pre.ResourceType, post.ResourceType, "memory")
	}
	if !post.Success {
		t.Error("post.Success should be true")
	}
}

func TestLogPostRecordsFailure(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	w.LogPost(context.Background(), uuid.New(), "session.resume", "sess-1", false, nil)

	ev := <-w.entries
	if ev.Success {
		t.Error("expected Success=false to survive to the enqueued event")
	}
}
