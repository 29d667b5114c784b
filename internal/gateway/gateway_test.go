package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evalforge/corepipeline/internal/config"
	"github.com/evalforge/corepipeline/internal/coordstore"
	"github.com/evalforge/corepipeline/internal/evaltypes"
	"github.com/evalforge/corepipeline/internal/logger"
)

type fakeStream struct {
	mu       sync.Mutex
	enqueued []evaltypes.Task
	failNext bool
}

func (f *fakeStream) Enqueue(ctx context.Context, t evaltypes.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("stream unavailable")
	}
	f.enqueued = append(f.enqueued, t)
	return nil
}

func (f *fakeStream) Dequeue(ctx context.Context, consumerName string, staleAfter time.Duration) (evaltypes.Task, coordstore.AckHandle, bool, error) {
	return evaltypes.Task{}, coordstore.AckHandle{}, false, nil
}

func (f *fakeStream) Ack(ctx context.Context, handle coordstore.AckHandle) error { return nil }

type fakeBus struct {
	mu        sync.Mutex
	published []evaltypes.LifecycleEvent
	failNext  bool
}

func (f *fakeBus) Publish(ctx context.Context, ev evaltypes.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("bus unavailable")
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, kinds []evaltypes.LifecycleEventKind, onEvent func(evaltypes.LifecycleEvent)) error {
	return nil
}

func (f *fakeBus) Close() error { return nil }

func testLimits() config.Limits {
	l := config.DefaultLimits()
	l.RegisteredRuntimes = []string{"py", "node"}
	return l
}

func TestSubmitHappyPath(t *testing.T) {
	stream := &fakeStream{}
	bus := &fakeBus{}
	g := New(stream, bus, testLimits(), logger.NewNop())

	id, err := g.Submit(context.Background(), SubmissionRequest{
		Source:   "print(1+1)",
		Runtime:  "py",
		Deadline: 10,
		Priority: "normal",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty eval id")
	}
	if len(stream.enqueued) != 1 || stream.enqueued[0].EvalID != id {
		t.Fatalf("task not enqueued with matching id: %+v", stream.enqueued)
	}
	if len(bus.published) != 1 || bus.published[0].Kind != evaltypes.EventQueued {
		t.Fatalf("expected one queued event published, got %+v", bus.published)
	}
	if bus.published[0].Sequence != evaltypes.SeqQueued {
		t.Errorf("queued event sequence = %d, want %d", bus.published[0].Sequence, evaltypes.SeqQueued)
	}
}

func TestSubmitValidationRejectsBadInput(t *testing.T) {
	g := New(&fakeStream{}, &fakeBus{}, testLimits(), logger.NewNop())

	cases := []SubmissionRequest{
		{Source: "", Runtime: "py", Deadline: 10, Priority: "normal"},
		{Source: "x", Runtime: "cobol", Deadline: 10, Priority: "normal"},
		{Source: "x", Runtime: "py", Deadline: 10, Priority: "urgent"},
		{Source: "x", Runtime: "py", Deadline: 100000, Priority: "normal"},
	}
	for i, req := range cases {
		if _, err := g.Submit(context.Background(), req); err == nil {
			t.Errorf("case %d: expected validation error, got nil", i)
		} else if _, ok := err.(*ValidationError); !ok {
			t.Errorf("case %d: expected *ValidationError, got %T (%v)", i, err, err)
		}
	}
}

func TestSubmitOversizedSourceRejected(t *testing.T) {
	limits := testLimits()
	limits.MaxSourceBytes = 8
	g := New(&fakeStream{}, &fakeBus{}, limits, logger.NewNop())

	_, err := g.Submit(context.Background(), SubmissionRequest{
		Source: "way too long for the limit", Runtime: "py", Deadline: 10, Priority: "normal",
	})
	if err == nil {
		t.Fatal("expected rejection for oversized source")
	}
}

func TestSubmitQueuedEventFailureIsNonFatal(t *testing.T) {
	stream := &fakeStream{}
	bus := &fakeBus{failNext: true}
	g := New(stream, bus, testLimits(), logger.NewNop())

	id, err := g.Submit(context.Background(), SubmissionRequest{
		Source: "x", Runtime: "py", Deadline: 10, Priority: "normal",
	})
	if err != nil {
		t.Fatalf("queued event publish failure must not fail submission: %v", err)
	}
	if id == "" {
		t.Fatal("expected an id even though the queued event failed to publish")
	}
	if len(stream.enqueued) != 1 {
		t.Fatal("task must still be enqueued despite the lost queued event")
	}
}

func TestSubmitEnqueueFailureIsFatal(t *testing.T) {
	stream := &fakeStream{failNext: true}
	bus := &fakeBus{}
	g := New(stream, bus, testLimits(), logger.NewNop())

	id, err := g.Submit(context.Background(), SubmissionRequest{
		Source: "x", Runtime: "py", Deadline: 10, Priority: "normal",
	})
	if err == nil {
		t.Fatal("expected fatal error when task enqueue fails")
	}
	if id != "" {
		t.Error("no id should be returned on a failed submission")
	}
}

func TestSubmitBatchIndependentFailures(t *testing.T) {
	stream := &fakeStream{}
	bus := &fakeBus{}
	g := New(stream, bus, testLimits(), logger.NewNop())

	items := []SubmissionRequest{
		{Source: "ok", Runtime: "py", Deadline: 10, Priority: "normal"},
		{Source: "", Runtime: "py", Deadline: 10, Priority: "normal"}, // invalid, independent failure
		{Source: "ok too", Runtime: "node", Deadline: 5, Priority: "high"},
	}
	results, err := g.SubmitBatch(context.Background(), items)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("valid items should not fail: %+v", results)
	}
	if results[1].Err == nil {
		t.Error("invalid item should fail independently of its siblings")
	}
	if len(stream.enqueued) != 2 {
		t.Errorf("expected 2 successfully enqueued tasks, got %d", len(stream.enqueued))
	}
}

func TestSubmitBatchExceedsCeiling(t *testing.T) {
	limits := testLimits()
	limits.BatchSubmitCeiling = 2
	g := New(&fakeStream{}, &fakeBus{}, limits, logger.NewNop())

	items := make([]SubmissionRequest, 3)
	for i := range items {
		items[i] = SubmissionRequest{Source: "x", Runtime: "py", Deadline: 10, Priority: "normal"}
	}
	if _, err := g.SubmitBatch(context.Background(), items); err == nil {
		t.Fatal("expected batch ceiling to be enforced")
	}
}
