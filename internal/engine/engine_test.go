package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/contbatch/internal/engine"
	"github.com/tessera-ai/contbatch/internal/pipeline"
	"github.com/tessera-ai/contbatch/internal/sampling"
)

func u32ptr(v uint32) *uint32 { return &v }

func newTestEngine(t *testing.T, maxPositionEmbeddings int) (*pipeline.StubPipeline, chan *engine.Request) {
	t.Helper()
	p := pipeline.NewStubPipeline()
	heads, headDim := p.KVDims()
	requests := make(chan *engine.Request, 8)
	eng := engine.NewEngine(p, requests, engine.Config{
		MaxBatch:              8,
		MaxPositionEmbeddings: maxPositionEmbeddings,
		Heads:                 heads,
		HeadDim:               headDim,
	})
	done := make(chan struct{})
	go func() {
		eng.Run()
		close(done)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not shut down after test")
		}
	})
	return p, requests
}

func collect(t *testing.T, responses chan engine.Response, timeout time.Duration) []engine.Response {
	t.Helper()
	var out []engine.Response
	for {
		select {
		case resp := <-responses:
			out = append(out, resp)
			if resp.Kind == engine.KindDone || resp.Kind == engine.KindError {
				return out
			}
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for terminal response, got %d messages so far", len(out))
		}
	}
}

// A prompt whose token ids sum to promptSum will, under the stub
// pipeline's one-hot model, greedily emit promptSum, promptSum+1, ...
// mod StubVocab, one per tick, until it hits StubEOS.
func promptForSum(sum int) string {
	switch {
	case sum == 0:
		return "0"
	default:
		return "0 " + itoa(sum)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestGreedyCompletionReachesEOS(t *testing.T) {
	_, requests := newTestEngine(t, 64)
	responses := make(chan engine.Response, 32)
	requests <- &engine.Request{
		Prompt: promptForSum(3),
		Params: sampling.RequestParams{
			Temperature: 0,
			TopK:        u32ptr(1),
		},
		Seed:      1,
		Ctx:       context.Background(),
		Responses: responses,
	}
	close(requests)

	msgs := collect(t, responses, 5*time.Second)
	last := msgs[len(msgs)-1]
	require.Equal(t, engine.KindDone, last.Kind)
	assert.Equal(t, engine.ReasonEOSToken, last.Done.Reason)

	// Every token up to and including the final EOS id should be emitted
	// as an intermediate Token message, in order: 3, 4, 5, ..., 15.
	var tokens []uint32
	for _, m := range msgs {
		if m.Kind == engine.KindToken {
			tokens = append(tokens, m.Token.ID)
		}
	}
	want := []uint32{3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	assert.Equal(t, want, tokens)
	assert.Equal(t, want, last.Done.GeneratedIDs)
}

func TestStopTokenTerminatesBeforeEOS(t *testing.T) {
	_, requests := newTestEngine(t, 64)
	responses := make(chan engine.Response, 32)
	requests <- &engine.Request{
		Prompt: promptForSum(0),
		Params: sampling.RequestParams{
			Temperature: 0,
			TopK:        u32ptr(1),
		},
		StopTokens: map[uint32]struct{}{7: {}},
		Seed:       1,
		Ctx:        context.Background(),
		Responses:  responses,
	}
	close(requests)

	msgs := collect(t, responses, 5*time.Second)
	last := msgs[len(msgs)-1]
	require.Equal(t, engine.KindDone, last.Kind)
	assert.Equal(t, engine.ReasonStopToken, last.Done.Reason)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7}, last.Done.GeneratedIDs)
}

func TestMaxLenTerminatesGeneration(t *testing.T) {
	// prompt sum 3 needs 13 ticks to reach EOS (token 15); cap
	// max_position_embeddings so max_len fires first.
	_, requests := newTestEngine(t, 5)
	responses := make(chan engine.Response, 32)
	requests <- &engine.Request{
		Prompt: promptForSum(3),
		Params: sampling.RequestParams{
			Temperature: 0,
			TopK:        u32ptr(1),
		},
		Seed:      1,
		Ctx:       context.Background(),
		Responses: responses,
	}
	close(requests)

	msgs := collect(t, responses, 5*time.Second)
	last := msgs[len(msgs)-1]
	require.Equal(t, engine.KindDone, last.Kind)
	assert.Equal(t, engine.ReasonMaxLen, last.Done.Reason)
}

func TestInvalidSamplingParamsRejectedAtAdmission(t *testing.T) {
	_, requests := newTestEngine(t, 64)
	responses := make(chan engine.Response, 4)
	requests <- &engine.Request{
		Prompt: promptForSum(3),
		Params: sampling.RequestParams{
			Temperature: 0.7,
			TopK:        u32ptr(5),
			TopP:        func() *float64 { v := 0.9; return &v }(),
		},
		Seed:      1,
		Ctx:       context.Background(),
		Responses: responses,
	}
	close(requests)

	msgs := collect(t, responses, 5*time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, engine.KindError, msgs[0].Kind)
}

func TestCancelledContextStopsGenerationAfterOneTick(t *testing.T) {
	_, requests := newTestEngine(t, 64)
	responses := make(chan engine.Response, 32)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already dropped before admission

	requests <- &engine.Request{
		Prompt: promptForSum(3),
		Params: sampling.RequestParams{
			Temperature: 0,
			TopK:        u32ptr(1),
		},
		Seed:      1,
		Ctx:       ctx,
		Responses: responses,
	}
	close(requests)

	// The engine must shut down (asserted by t.Cleanup in newTestEngine)
	// even though this sequence's sink is already gone; it must not spin
	// forever regenerating a cancelled sequence.
}

func TestTwoSequencesBatchTogether(t *testing.T) {
	// Built without newTestEngine's helper so both requests land in the
	// channel buffer, and are therefore both admitted in the same
	// drain-before-schedule pass, before the engine loop ever starts.
	p := pipeline.NewStubPipeline()
	heads, headDim := p.KVDims()
	requests := make(chan *engine.Request, 8)
	eng := engine.NewEngine(p, requests, engine.Config{
		MaxBatch:              8,
		MaxPositionEmbeddings: 64,
		Heads:                 heads,
		HeadDim:               headDim,
	})

	respA := make(chan engine.Response, 32)
	respB := make(chan engine.Response, 32)
	requests <- &engine.Request{
		Prompt:    promptForSum(3),
		Params:    sampling.RequestParams{Temperature: 0, TopK: u32ptr(1)},
		Seed:      1,
		Ctx:       context.Background(),
		Responses: respA,
	}
	requests <- &engine.Request{
		Prompt:    promptForSum(10),
		Params:    sampling.RequestParams{Temperature: 0, TopK: u32ptr(1)},
		Seed:      1,
		Ctx:       context.Background(),
		Responses: respB,
	}
	close(requests)

	done := make(chan struct{})
	go func() {
		eng.Run()
		close(done)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not shut down after test")
		}
	})

	msgsA := collect(t, respA, 5*time.Second)
	msgsB := collect(t, respB, 5*time.Second)

	assert.Equal(t, engine.ReasonEOSToken, msgsA[len(msgsA)-1].Done.Reason)
	assert.Equal(t, engine.ReasonEOSToken, msgsB[len(msgsB)-1].Done.Reason)
	require.NotEmpty(t, p.BatchSizes)
	assert.Equal(t, 2, p.BatchSizes[0], "both requests admitted before the first tick should share it")
}
