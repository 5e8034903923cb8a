// Package stream batches agent text deltas into rate-limited chat
// edits. Each task gets one growing buffer; a single flusher walks all
// buffers on a fixed tick and edits the task's chat message in place.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/chat"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// defaultMaxSnapshotChars bounds the rendered snapshot. Chat platforms
// cap message length around 4096; the margin leaves room for the
// ellipsis marker and platform entities.
const defaultMaxSnapshotChars = 3900

const ellipsisMarker = "…\n"

type taskStream struct {
	buffer     strings.Builder
	origin     protocol.ChatOrigin
	messageID  string
	flushedLen int
	lastUpdate time.Time
}

// Accumulator owns all per-task stream buffers. Buffers are created
// lazily by AddDelta and live until Remove.
type Accumulator struct {
	poster   chat.Poster
	interval time.Duration
	maxChars int

	mu      sync.Mutex
	streams map[string]*taskStream
}

func New(poster chat.Poster, interval time.Duration, maxChars int) *Accumulator {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxChars <= 0 {
		maxChars = defaultMaxSnapshotChars
	}
	return &Accumulator{
		poster:   poster,
		interval: interval,
		maxChars: maxChars,
		streams:  make(map[string]*taskStream),
	}
}

// AddDelta appends delta to the task's buffer, creating the stream on
// first sight. This is the only write entry point.
func (a *Accumulator) AddDelta(taskID, delta string, origin protocol.ChatOrigin) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.streams[taskID]
	if !ok {
		st = &taskStream{origin: origin}
		a.streams[taskID] = st
	}
	st.buffer.WriteString(delta)
}

// Run drives the periodic flusher until ctx is cancelled.
func (a *Accumulator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flushAll(ctx)
		}
	}
}

// FlushNow forces a flush of one task's buffer, bypassing the tick.
// Called by the dispatcher before the final completion message.
func (a *Accumulator) FlushNow(ctx context.Context, taskID string) error {
	a.mu.Lock()
	st, ok := a.streams[taskID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	job, ok := a.snapshotLocked(taskID, st)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.deliver(ctx, job)
}

// Remove discards the task's buffer. Callers flush first if the tail
// content matters.
func (a *Accumulator) Remove(taskID string) {
	a.mu.Lock()
	delete(a.streams, taskID)
	a.mu.Unlock()
}

// MessageID returns the chat message currently carrying the stream,
// empty until the first successful flush.
func (a *Accumulator) MessageID(taskID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.streams[taskID]; ok {
		return st.messageID
	}
	return ""
}

// Active returns the number of live stream buffers.
func (a *Accumulator) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

type flushJob struct {
	taskID    string
	origin    protocol.ChatOrigin
	messageID string
	text      string
	bufLen    int
}

func (a *Accumulator) flushAll(ctx context.Context) {
	a.mu.Lock()
	jobs := make([]flushJob, 0, len(a.streams))
	for taskID, st := range a.streams {
		if job, ok := a.snapshotLocked(taskID, st); ok {
			jobs = append(jobs, job)
		}
	}
	a.mu.Unlock()

	for _, job := range jobs {
		if err := a.deliver(ctx, job); err != nil {
			// Buffer is untouched; the next tick retries with
			// whatever has accumulated since.
			slog.Warn("stream.flush_failed",
				"task_id", job.taskID,
				"channel_id", job.origin.ChannelID,
				"error", err)
		}
	}
}

// snapshotLocked renders the current buffer if it has unflushed
// content. Caller holds a.mu.
func (a *Accumulator) snapshotLocked(taskID string, st *taskStream) (flushJob, bool) {
	bufLen := st.buffer.Len()
	if bufLen == 0 || bufLen == st.flushedLen {
		return flushJob{}, false
	}
	return flushJob{
		taskID:    taskID,
		origin:    st.origin,
		messageID: st.messageID,
		text:      Snapshot(st.buffer.String(), a.maxChars),
		bufLen:    bufLen,
	}, true
}

// deliver posts or edits outside the lock, then records success.
// With chat disabled the flush is dropped; buffers still drain via
// flushedLen so they don't grow without bound.
func (a *Accumulator) deliver(ctx context.Context, job flushJob) error {
	if a.poster == nil {
		a.markFlushed(job, job.messageID)
		return nil
	}
	messageID := job.messageID
	var err error
	if messageID == "" {
		messageID, err = a.poster.Post(ctx, job.origin.ChannelID, job.origin.ThreadTS, job.text)
	} else {
		err = a.poster.Edit(ctx, job.origin.ChannelID, messageID, job.text)
	}
	if err != nil {
		return err
	}
	a.markFlushed(job, messageID)
	return nil
}

func (a *Accumulator) markFlushed(job flushJob, messageID string) {
	a.mu.Lock()
	if st, ok := a.streams[job.taskID]; ok {
		st.messageID = messageID
		if job.bufLen > st.flushedLen {
			st.flushedLen = job.bufLen
		}
		st.lastUpdate = time.Now()
	}
	a.mu.Unlock()
}

// Snapshot renders a buffer for display: markdown transform, then a
// tail-biased window of at most limit runes so the freshest output
// stays visible. Limits too small to hold the ellipsis marker fall
// back to the default cap.
func Snapshot(buf string, limit int) string {
	if limit <= len([]rune(ellipsisMarker)) {
		limit = defaultMaxSnapshotChars
	}
	text := Transform(buf)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	tail := runes[len(runes)-(limit-len([]rune(ellipsisMarker))):]
	// Cut at the next line boundary so the window doesn't open
	// mid-word.
	if idx := strings.IndexByte(string(tail), '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = []rune(string(tail)[idx+1:])
	}
	return ellipsisMarker + string(tail)
}
