package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

type sentFrame struct {
	msgType string
	payload any
}

// sendRecorder captures outbound envelopes. Runner goroutines send
// asynchronously, so assertions poll with waitFor.
type sendRecorder struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (s *sendRecorder) fn() SendFunc {
	return func(_ context.Context, msgType string, payload any) error {
		s.mu.Lock()
		s.frames = append(s.frames, sentFrame{msgType, payload})
		s.mu.Unlock()
		return nil
	}
}

func (s *sendRecorder) byType(msgType string) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentFrame
	for _, f := range s.frames {
		if f.msgType == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (s *sendRecorder) waitFor(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeHealth struct {
	mu      sync.Mutex
	healthy bool
}

func (f *fakeHealth) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeHealth) Sample() protocol.ResourceStatus {
	return protocol.ResourceStatus{CPUUsage: 0.5, MemoryUsage: 40, Healthy: f.Healthy()}
}

// gatedInvoker blocks each invocation until released, keyed by prompt.
type gatedInvoker struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newGatedInvoker() *gatedInvoker {
	return &gatedInvoker{gates: make(map[string]chan struct{})}
}

func (g *gatedInvoker) gate(prompt string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[prompt]
	if !ok {
		ch = make(chan struct{})
		g.gates[prompt] = ch
	}
	return ch
}

func (g *gatedInvoker) release(prompt string) {
	close(g.gate(prompt))
}

func (g *gatedInvoker) Invoke(ctx context.Context, params InvokeParams) (<-chan StreamMessage, error) {
	out := make(chan StreamMessage, 1)
	release := g.gate(params.Prompt)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
		case <-release:
			out <- StreamMessage{Kind: MsgResult, Text: "done", Usage: &Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01}}
		}
	}()
	return out, nil
}

// scriptedInvoker replays one canned message sequence per invocation.
type scriptedInvoker struct {
	mu      sync.Mutex
	calls   []InvokeParams
	outputs [][]StreamMessage
	err     error
}

func (s *scriptedInvoker) Invoke(_ context.Context, params InvokeParams) (<-chan StreamMessage, error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, params)
	var msgs []StreamMessage
	if idx < len(s.outputs) {
		msgs = s.outputs[idx]
	}
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(chan StreamMessage, len(msgs))
	for _, m := range msgs {
		out <- m
	}
	close(out)
	return out, nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedInvoker) call(i int) InvokeParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func testExecutor(t *testing.T, invoker Invoker, sends *sendRecorder, mutate func(*config.AgentConfig)) *Executor {
	t.Helper()
	root := t.TempDir()
	cfg := config.AgentConfig{
		ID:                 "agent-1",
		ProjectRoots:       []string{root},
		MaxConcurrentTasks: 1,
		MaxContinuations:   3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	guard, err := NewPathGuard(cfg.ProjectRoots)
	if err != nil {
		t.Fatalf("path guard: %v", err)
	}
	return NewExecutor(cfg, invoker, guard, &fakeHealth{healthy: true}, sends.fn())
}

func submitFor(t *testing.T, e *Executor, id string) protocol.TaskSubmit {
	t.Helper()
	return protocol.TaskSubmit{
		TaskID:    id,
		ProjectID: "proj",
		Prompt:    "prompt-" + id,
		LocalPath: e.cfg.ProjectRoots[0],
	}
}

func ackFor(t *testing.T, sends *sendRecorder, taskID string) []protocol.TaskAck {
	t.Helper()
	var out []protocol.TaskAck
	for _, f := range sends.byType(protocol.TypeTaskAck) {
		ack, ok := f.payload.(protocol.TaskAck)
		if !ok {
			t.Fatalf("ack payload is %T", f.payload)
		}
		if ack.TaskID == taskID {
			out = append(out, ack)
		}
	}
	return out
}

func TestExecutorAdmissionAndPromotion(t *testing.T) {
	invoker := newGatedInvoker()
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, nil)
	ctx := context.Background()

	t1 := submitFor(t, e, "t1")
	t2 := submitFor(t, e, "t2")

	e.HandleSubmit(ctx, t1)
	acks := ackFor(t, sends, "t1")
	if len(acks) != 1 || !acks[0].Accepted || acks[0].Queued {
		t.Fatalf("t1 acks = %+v, want one immediate accept", acks)
	}

	e.HandleSubmit(ctx, t2)
	acks = ackFor(t, sends, "t2")
	if len(acks) != 1 || !acks[0].Accepted || !acks[0].Queued || acks[0].QueuePosition != 1 {
		t.Fatalf("t2 acks = %+v, want queued at position 1", acks)
	}
	if e.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", e.ActiveCount())
	}

	invoker.release(t1.Prompt)
	sends.waitFor(t, "t1 completion", func() bool {
		return len(sends.byType(protocol.TypeTaskComplete)) == 1
	})

	// Promotion re-acks t2 without the queued flag.
	sends.waitFor(t, "t2 promotion ack", func() bool {
		return len(ackFor(t, sends, "t2")) == 2
	})
	promoted := ackFor(t, sends, "t2")[1]
	if !promoted.Accepted || promoted.Queued {
		t.Fatalf("promotion ack = %+v, want plain accept", promoted)
	}

	invoker.release(t2.Prompt)
	sends.waitFor(t, "t2 completion", func() bool {
		return len(sends.byType(protocol.TypeTaskComplete)) == 2
	})
	e.Wait()
}

func TestExecutorDuplicateSubmitReAcks(t *testing.T) {
	invoker := newGatedInvoker()
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, nil)
	ctx := context.Background()

	t1 := submitFor(t, e, "t1")
	e.HandleSubmit(ctx, t1)
	e.HandleSubmit(ctx, t1)

	acks := ackFor(t, sends, "t1")
	if len(acks) != 2 {
		t.Fatalf("acks = %d, want 2", len(acks))
	}
	if !acks[1].Accepted || acks[1].Queued {
		t.Fatalf("re-ack = %+v, want plain accept", acks[1])
	}
	if e.ActiveCount() != 1 {
		t.Fatalf("duplicate submit started a second run")
	}

	invoker.release(t1.Prompt)
	e.Wait()
	if got := len(sends.byType(protocol.TypeTaskComplete)); got != 1 {
		t.Fatalf("completions = %d, want 1", got)
	}
}

func TestExecutorRejectsWhenUnhealthy(t *testing.T) {
	sends := &sendRecorder{}
	e := testExecutor(t, &scriptedInvoker{}, sends, nil)
	e.monitor = &fakeHealth{healthy: false}

	e.HandleSubmit(context.Background(), submitFor(t, e, "t1"))

	acks := ackFor(t, sends, "t1")
	if len(acks) != 1 || acks[0].Accepted {
		t.Fatalf("acks = %+v, want rejection", acks)
	}
	if acks[0].Reason == "" {
		t.Error("rejection should carry a reason")
	}
	if e.ActiveCount() != 0 {
		t.Error("rejected task must not run")
	}
}

func TestExecutorRejectsPathOutsideRoots(t *testing.T) {
	sends := &sendRecorder{}
	e := testExecutor(t, &scriptedInvoker{}, sends, nil)

	submit := submitFor(t, e, "t1")
	submit.LocalPath = filepath.Join(t.TempDir(), "elsewhere")
	e.HandleSubmit(context.Background(), submit)

	acks := ackFor(t, sends, "t1")
	if len(acks) != 1 || acks[0].Accepted {
		t.Fatalf("acks = %+v, want rejection", acks)
	}
}

func TestExecutorCancelRunning(t *testing.T) {
	invoker := newGatedInvoker()
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, nil)
	ctx := context.Background()

	t1 := submitFor(t, e, "t1")
	e.HandleSubmit(ctx, t1)
	e.HandleCancel(ctx, "t1", "user request")
	e.HandleCancel(ctx, "t1", "again") // duplicate is a no-op
	e.Wait()

	cancelled := sends.byType(protocol.TypeTaskCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("cancelled frames = %d, want exactly 1", len(cancelled))
	}
	payload := cancelled[0].payload.(protocol.TaskCancelled)
	if payload.TaskID != "t1" || payload.Reason != "user request" {
		t.Errorf("cancelled = %+v", payload)
	}
	if got := len(sends.byType(protocol.TypeTaskComplete)); got != 0 {
		t.Errorf("completions = %d after cancel", got)
	}
}

func TestExecutorCancelQueued(t *testing.T) {
	invoker := newGatedInvoker()
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, nil)
	ctx := context.Background()

	t1 := submitFor(t, e, "t1")
	t2 := submitFor(t, e, "t2")
	e.HandleSubmit(ctx, t1)
	e.HandleSubmit(ctx, t2)

	e.HandleCancel(ctx, "t2", "changed my mind")

	cancelled := sends.byType(protocol.TypeTaskCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("cancelled frames = %d, want 1", len(cancelled))
	}
	if cancelled[0].payload.(protocol.TaskCancelled).TaskID != "t2" {
		t.Errorf("cancelled %+v, want t2", cancelled[0].payload)
	}

	// t1 finishing must not promote the cancelled t2.
	invoker.release(t1.Prompt)
	e.Wait()
	if len(ackFor(t, sends, "t2")) != 1 {
		t.Error("cancelled queued task was promoted")
	}
}

func TestExecutorCancelUnknownIsNoOp(t *testing.T) {
	sends := &sendRecorder{}
	e := testExecutor(t, &scriptedInvoker{}, sends, nil)
	e.HandleCancel(context.Background(), "ghost", "")
	if len(sends.frames) != 0 {
		t.Errorf("frames = %+v, want none", sends.frames)
	}
}

func TestExecutorAutoContinuation(t *testing.T) {
	resultMsg := func(turnLimited bool, text string) StreamMessage {
		return StreamMessage{Kind: MsgResult, Text: text, TurnLimited: turnLimited,
			Usage: &Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.02}}
	}
	invoker := &scriptedInvoker{outputs: [][]StreamMessage{
		{{Kind: MsgSystemInit, SessionID: "sess-1"}, resultMsg(true, "")},
		{resultMsg(true, "")},
		{{Kind: MsgAssistant, Text: "final answer"}, resultMsg(false, "")},
	}}
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, nil)

	e.HandleSubmit(context.Background(), submitFor(t, e, "t1"))
	e.Wait()

	if got := invoker.callCount(); got != 3 {
		t.Fatalf("invocations = %d, want 3", got)
	}
	// Continuations resume the session and swap in the continuation prompt.
	second := invoker.call(1)
	if second.SessionID != "sess-1" {
		t.Errorf("continuation sessionID = %q, want sess-1", second.SessionID)
	}
	if second.Prompt == "prompt-t1" {
		t.Error("continuation reused the original prompt")
	}

	progress := sends.byType(protocol.TypeTaskProgress)
	if len(progress) != 2 {
		t.Fatalf("progress frames = %d, want 2 continuation notices", len(progress))
	}
	if p := progress[0].payload.(protocol.TaskProgress); p.Message != "Auto-continuing task (1/3)..." {
		t.Errorf("notice = %q", p.Message)
	}

	completes := sends.byType(protocol.TypeTaskComplete)
	if len(completes) != 1 {
		t.Fatalf("completions = %d, want 1", len(completes))
	}
	done := completes[0].payload.(protocol.TaskComplete)
	if done.Result != "final answer" {
		t.Errorf("result = %q", done.Result)
	}
	if done.SessionID != "sess-1" {
		t.Errorf("sessionID = %q", done.SessionID)
	}
	// Usage accumulates across all three invocations.
	if done.InputTokens != 300 || done.OutputTokens != 150 {
		t.Errorf("tokens = %d/%d, want 300/150", done.InputTokens, done.OutputTokens)
	}
}

func TestExecutorContinuationLimit(t *testing.T) {
	limited := StreamMessage{Kind: MsgResult, TurnLimited: true, Usage: &Usage{}}
	invoker := &scriptedInvoker{outputs: [][]StreamMessage{
		{limited}, {limited}, {limited},
	}}
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, func(cfg *config.AgentConfig) {
		cfg.MaxContinuations = 2
	})

	e.HandleSubmit(context.Background(), submitFor(t, e, "t1"))
	e.Wait()

	if got := invoker.callCount(); got != 3 {
		t.Fatalf("invocations = %d, want 3 (initial + 2 continuations)", got)
	}
	errs := sends.byType(protocol.TypeTaskError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d, want 1", len(errs))
	}
	taskErr := errs[0].payload.(protocol.TaskError)
	if taskErr.Error != "Continuation limit reached" {
		t.Errorf("error = %q", taskErr.Error)
	}
	if taskErr.Recoverable {
		t.Error("continuation limit must be fatal")
	}
	if got := len(sends.byType(protocol.TypeTaskComplete)); got != 0 {
		t.Errorf("completions = %d after limit", got)
	}
}

func TestExecutorBudgetExceeded(t *testing.T) {
	invoker := &scriptedInvoker{outputs: [][]StreamMessage{
		{{Kind: MsgResult, TurnLimited: true, Usage: &Usage{CostUSD: 1.50}}},
	}}
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, nil)

	submit := submitFor(t, e, "t1")
	submit.MaxBudget = 1.00
	e.HandleSubmit(context.Background(), submit)
	e.Wait()

	errs := sends.byType(protocol.TypeTaskError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d, want 1", len(errs))
	}
	taskErr := errs[0].payload.(protocol.TaskError)
	if taskErr.Code != protocol.CodeBudgetExceeded {
		t.Errorf("code = %q, want %q", taskErr.Code, protocol.CodeBudgetExceeded)
	}
	// Budget is checked before continuing, so one invocation only.
	if got := invoker.callCount(); got != 1 {
		t.Errorf("invocations = %d, want 1", got)
	}
}

func TestExecutorNetworkErrorIsRecoverable(t *testing.T) {
	invoker := &scriptedInvoker{err: fmt.Errorf("invoke: connection refused")}
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, nil)

	e.HandleSubmit(context.Background(), submitFor(t, e, "t1"))
	e.Wait()

	errs := sends.byType(protocol.TypeTaskError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d, want 1", len(errs))
	}
	taskErr := errs[0].payload.(protocol.TaskError)
	if taskErr.Code != protocol.CodeNetworkTransient || !taskErr.Recoverable {
		t.Errorf("error = %+v, want recoverable network error", taskErr)
	}
}

func TestExecutorStreamsAssistantText(t *testing.T) {
	invoker := &scriptedInvoker{outputs: [][]StreamMessage{{
		{Kind: MsgAssistant, Text: "first"},
		{Kind: MsgAssistant, Text: "second"},
		{Kind: MsgToolUse, ToolName: "Edit", FilePath: "main.go"},
		{Kind: MsgToolUse, ToolName: "Bash", Command: "go test ./..."},
		{Kind: MsgResult, Usage: &Usage{}},
	}}}
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, nil)

	e.HandleSubmit(context.Background(), submitFor(t, e, "t1"))
	e.Wait()

	streams := sends.byType(protocol.TypeTaskStream)
	if len(streams) != 2 {
		t.Fatalf("stream frames = %d, want 2", len(streams))
	}
	if d := streams[0].payload.(protocol.TaskStream).Delta; d != "first" {
		t.Errorf("first delta = %q", d)
	}
	// Later chunks get a paragraph separator.
	if d := streams[1].payload.(protocol.TaskStream).Delta; d != "\n\nsecond" {
		t.Errorf("second delta = %q", d)
	}

	done := sends.byType(protocol.TypeTaskComplete)[0].payload.(protocol.TaskComplete)
	if len(done.FilesChanged) != 1 || done.FilesChanged[0] != "main.go" {
		t.Errorf("filesChanged = %v", done.FilesChanged)
	}
	if len(done.CommandsRun) != 1 || done.CommandsRun[0] != "go test ./..." {
		t.Errorf("commandsRun = %v", done.CommandsRun)
	}
	// Result falls back to the last assistant chunk.
	if done.Result != "second" {
		t.Errorf("result = %q", done.Result)
	}
}

func TestExecutorTimeout(t *testing.T) {
	invoker := newGatedInvoker() // never released
	sends := &sendRecorder{}
	e := testExecutor(t, invoker, sends, func(cfg *config.AgentConfig) {
		cfg.TaskTimeout = 30 * time.Millisecond
	})

	e.HandleSubmit(context.Background(), submitFor(t, e, "t1"))
	e.Wait()

	errs := sends.byType(protocol.TypeTaskError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d, want 1", len(errs))
	}
	taskErr := errs[0].payload.(protocol.TaskError)
	if taskErr.Code != protocol.CodeTimeout {
		t.Errorf("code = %q, want %q", taskErr.Code, protocol.CodeTimeout)
	}
	if taskErr.Recoverable {
		t.Error("timeout must be fatal")
	}
}

func TestExecutorRestartHook(t *testing.T) {
	sends := &sendRecorder{}
	e := testExecutor(t, &scriptedInvoker{}, sends, nil)

	var gotReason string
	var gotRebuild bool
	e.OnRestart = func(reason string, rebuild bool) {
		gotReason, gotRebuild = reason, rebuild
	}

	env, err := protocol.NewEnvelope(protocol.TypeSystemRestart, protocol.SystemRestart{Reason: "upgrade", Rebuild: true})
	if err != nil {
		t.Fatal(err)
	}
	e.HandleEnvelope(context.Background(), env)

	if gotReason != "upgrade" || !gotRebuild {
		t.Errorf("restart hook got (%q, %v)", gotReason, gotRebuild)
	}
}
