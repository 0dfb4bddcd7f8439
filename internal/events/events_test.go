package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterBindsRunID(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(rec, "run-42")
	em.Emit(context.Background(), TypeAgentStatus, map[string]any{"agent": "alpha"})

	evts := rec.Events()
	require.Len(t, evts, 1)
	assert.Equal(t, "run-42", evts[0].RunID)
	assert.Equal(t, TypeAgentStatus, evts[0].Type)
	assert.False(t, evts[0].Timestamp.IsZero())
}

func TestEmitterWithNilSinkDiscards(t *testing.T) {
	em := NewEmitter(nil, "r")
	em.Emit(context.Background(), TypeDecision, nil)
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Fanout{a, nil, b}.Emit(context.Background(), New(TypeTaskComplete, "r", nil))
	assert.Equal(t, 1, a.Count(TypeTaskComplete))
	assert.Equal(t, 1, b.Count(TypeTaskComplete))
}

type blockingSink struct {
	release chan struct{}
	got     chan Event
}

func (b *blockingSink) Emit(_ context.Context, evt Event) {
	<-b.release
	b.got <- evt
}

func TestAsyncDropsWhenBufferStaysFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), got: make(chan Event, 8)}
	async := NewAsync(sink, 1, 5*time.Millisecond)

	for i := 0; i < 4; i++ {
		async.Emit(context.Background(), New(TypeStreamMicro, "r", nil))
	}
	assert.GreaterOrEqual(t, async.Dropped(), int64(1))

	close(sink.release)
	async.Close()
	assert.GreaterOrEqual(t, len(sink.got), 1)
}

func TestNATSSubjectMapping(t *testing.T) {
	s := &NATSSink{prefix: "mosaic.events"}
	assert.Equal(t, "mosaic.events.verification.proof-generated", s.Subject(TypeVerificationProofGenerated))
}
