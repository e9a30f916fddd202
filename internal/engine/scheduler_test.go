package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/contbatch/internal/engine"
	"github.com/tessera-ai/contbatch/internal/sampling"
)

func newWaitingSeq(id uint64) *engine.Sequence {
	req := &engine.Request{Ctx: context.Background()}
	sampler := sampling.NewState(sampling.Params{Method: sampling.MethodTopK, TopK: 1}, 1)
	return engine.NewSequence(id, req, []uint32{1, 2}, 1, sampler, 64)
}

func TestSchedulerCapsAtMaxBatch(t *testing.T) {
	s := engine.NewScheduler(2)
	a, b, c := newWaitingSeq(1), newWaitingSeq(2), newWaitingSeq(3)
	s.Add(a)
	s.Add(b)
	s.Add(c)

	out := s.Schedule()
	require.Len(t, out.Seqs, 2)
	assert.Same(t, a, out.Seqs[0])
	assert.Same(t, b, out.Seqs[1])
	assert.False(t, s.IsEmpty())
}

func TestSchedulerKeepsRunningSequencesAcrossTicks(t *testing.T) {
	s := engine.NewScheduler(1)
	a, b := newWaitingSeq(1), newWaitingSeq(2)
	s.Add(a)
	s.Add(b)

	first := s.Schedule()
	require.Len(t, first.Seqs, 1)
	assert.Same(t, a, first.Seqs[0])

	second := s.Schedule()
	require.Len(t, second.Seqs, 1)
	assert.Same(t, a, second.Seqs[0], "a is already running and must stay scheduled ahead of waiting b")
}

func TestSchedulerRetireRemovesFromRunning(t *testing.T) {
	s := engine.NewScheduler(4)
	a := newWaitingSeq(1)
	s.Add(a)
	s.Schedule()
	s.Retire(a)
	assert.True(t, s.IsEmpty())
}
