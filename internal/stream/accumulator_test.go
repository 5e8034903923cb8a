package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

type postCall struct {
	kind      string // "post" or "edit"
	channelID string
	messageID string
	text      string
}

type fakePoster struct {
	mu      sync.Mutex
	calls   []postCall
	nextID  int
	failFor int // fail this many calls, then succeed
}

func (f *fakePoster) Post(_ context.Context, channelID, threadTS, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor > 0 {
		f.failFor--
		return "", errors.New("chat unavailable")
	}
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.calls = append(f.calls, postCall{kind: "post", channelID: channelID, messageID: id, text: text})
	return id, nil
}

func (f *fakePoster) Edit(_ context.Context, channelID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor > 0 {
		f.failFor--
		return errors.New("chat unavailable")
	}
	f.calls = append(f.calls, postCall{kind: "edit", channelID: channelID, messageID: messageID, text: text})
	return nil
}

func (f *fakePoster) snapshot() []postCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]postCall, len(f.calls))
	copy(out, f.calls)
	return out
}

var testOrigin = protocol.ChatOrigin{ChannelID: "C123", UserID: "U1"}

func TestFlushPostsThenEdits(t *testing.T) {
	poster := &fakePoster{}
	acc := New(poster, time.Second, 0)

	acc.AddDelta("t1", "hello", testOrigin)
	acc.flushAll(context.Background())

	acc.AddDelta("t1", " world", testOrigin)
	acc.flushAll(context.Background())

	calls := poster.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].kind != "post" || calls[0].text != "hello" {
		t.Errorf("first flush should post the buffer, got %+v", calls[0])
	}
	if calls[1].kind != "edit" || calls[1].messageID != calls[0].messageID {
		t.Errorf("second flush should edit the same message, got %+v", calls[1])
	}
	if calls[1].text != "hello world" {
		t.Errorf("edit should carry the full buffer, got %q", calls[1].text)
	}
}

func TestFlushSkipsCleanBuffers(t *testing.T) {
	poster := &fakePoster{}
	acc := New(poster, time.Second, 0)

	acc.AddDelta("t1", "once", testOrigin)
	acc.flushAll(context.Background())
	acc.flushAll(context.Background())
	acc.flushAll(context.Background())

	if n := len(poster.snapshot()); n != 1 {
		t.Fatalf("unchanged buffer should not re-flush, got %d calls", n)
	}
}

func TestFlushFailureRetainsBuffer(t *testing.T) {
	poster := &fakePoster{failFor: 1}
	acc := New(poster, time.Second, 0)

	acc.AddDelta("t1", "part one", testOrigin)
	acc.flushAll(context.Background()) // fails

	if n := len(poster.snapshot()); n != 0 {
		t.Fatalf("failed flush should record no call, got %d", n)
	}

	acc.AddDelta("t1", " part two", testOrigin)
	acc.flushAll(context.Background()) // succeeds

	calls := poster.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call after retry, got %d", len(calls))
	}
	if calls[0].text != "part one part two" {
		t.Errorf("retry should carry the whole buffer, got %q", calls[0].text)
	}
}

func TestFlushNowAndRemove(t *testing.T) {
	poster := &fakePoster{}
	acc := New(poster, time.Hour, 0) // tick never fires in this test

	acc.AddDelta("t1", "final words", testOrigin)
	if err := acc.FlushNow(context.Background(), "t1"); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if n := len(poster.snapshot()); n != 1 {
		t.Fatalf("expected forced flush, got %d calls", n)
	}

	acc.Remove("t1")
	if acc.Active() != 0 {
		t.Errorf("Remove should drop the stream, %d still active", acc.Active())
	}

	// FlushNow on a removed task is a no-op, not an error.
	if err := acc.FlushNow(context.Background(), "t1"); err != nil {
		t.Errorf("FlushNow after Remove: %v", err)
	}
}

func TestFlushNowEmptyBuffer(t *testing.T) {
	poster := &fakePoster{}
	acc := New(poster, time.Hour, 0)

	if err := acc.FlushNow(context.Background(), "missing"); err != nil {
		t.Errorf("unknown task should be a no-op, got %v", err)
	}
	if n := len(poster.snapshot()); n != 0 {
		t.Errorf("no content, no call; got %d", n)
	}
}

func TestSnapshotTailWindow(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "line %d of the output\n", i)
	}
	snap := Snapshot(b.String(), 0)

	if len([]rune(snap)) > defaultMaxSnapshotChars {
		t.Fatalf("snapshot exceeds cap: %d", len([]rune(snap)))
	}
	if !strings.HasPrefix(snap, ellipsisMarker) {
		t.Errorf("truncated snapshot should start with the ellipsis marker")
	}
	if !strings.Contains(snap, "line 499 of the output") {
		t.Errorf("snapshot should keep the freshest tail")
	}
	if strings.Contains(snap, "line 0 of the output\n") {
		t.Errorf("snapshot should drop the stale head")
	}
}

func TestConfiguredSnapshotLimit(t *testing.T) {
	poster := &fakePoster{}
	acc := New(poster, time.Hour, 120)

	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	acc.AddDelta("t1", b.String(), testOrigin)
	acc.flushAll(context.Background())

	calls := poster.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if n := len([]rune(calls[0].text)); n > 120 {
		t.Errorf("posted snapshot exceeds configured limit: %d runes", n)
	}
	if !strings.HasPrefix(calls[0].text, ellipsisMarker) {
		t.Errorf("truncated snapshot should start with the ellipsis marker")
	}
	if !strings.Contains(calls[0].text, "line 49") {
		t.Errorf("snapshot should keep the freshest tail")
	}
}

func TestSnapshotShortBufferUntouched(t *testing.T) {
	snap := Snapshot("short output", 0)
	if snap != "short output" {
		t.Errorf("short buffer should pass through, got %q", snap)
	}
}
