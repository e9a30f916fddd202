// Package contbatch is the public facade over the continuous-batching
// engine: construct an LLM from a model directory, submit prompts, and
// either block for the full completion or stream tokens as they land.
package contbatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tessera-ai/contbatch/internal/config"
	"github.com/tessera-ai/contbatch/internal/engine"
	"github.com/tessera-ai/contbatch/internal/pipeline"
	"github.com/tessera-ai/contbatch/internal/sampling"
)

// LLM owns one running engine loop and the request channel that feeds
// it. Its zero value is not usable; build one with NewLLM.
type LLM struct {
	requests chan *engine.Request
	cfg      *config.Config

	mu     sync.RWMutex
	closed bool
}

// NewLLM resolves a model directory, loads its weights, and starts the
// engine loop in the background. The returned LLM is safe for
// concurrent use by multiple callers submitting prompts.
func NewLLM(modelPath string, opts ...config.Option) (*LLM, error) {
	loader := pipeline.NewMistralLoader()
	paths, err := loader.ResolveModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}
	p, err := loader.LoadPipeline(paths, opts...)
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}

	cfg, err := config.LoadConfig(modelPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	heads, headDim := p.KVDims()
	requests := make(chan *engine.Request, 64)
	eng := engine.NewEngine(p, requests, engine.Config{
		MaxBatch:              cfg.MaxBatch,
		MaxPositionEmbeddings: cfg.MaxPositionEmbeddings,
		Heads:                 heads,
		HeadDim:               headDim,
		Log:                   logrus.WithField("component", "engine"),
	})
	go eng.Run()

	return &LLM{requests: requests, cfg: cfg}, nil
}

// GenerationOutput is one completed request's full text and token ids.
type GenerationOutput struct {
	Text     string
	TokenIDs []uint32
	Reason   engine.DoneReason
}

// GenerateOptions customizes one Generate/Stream call. A zero Params gets
// the LLM's default top_k (see config.DefaultSamplingConfig.ApplyDefaults)
// and, with its zero Temperature, decodes greedily; a zero Seed is
// replaced with a random one.
type GenerateOptions struct {
	Params     sampling.RequestParams
	Seed       int64
	StopTokens map[uint32]struct{}
}

// Generate submits one prompt and blocks until it completes, fails, or
// ctx is cancelled.
func (l *LLM) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerationOutput, error) {
	responses := make(chan engine.Response, 32)
	l.submit(ctx, prompt, opts, responses)

	var last engine.Response
wait:
	for {
		select {
		case resp := <-responses:
			last = resp
			if resp.Kind == engine.KindDone || resp.Kind == engine.KindError {
				break wait
			}
		case <-ctx.Done():
			break wait
		}
	}
	switch last.Kind {
	case engine.KindDone:
		return &GenerationOutput{Text: last.Done.FullText, TokenIDs: last.Done.GeneratedIDs, Reason: last.Done.Reason}, nil
	case engine.KindError:
		return nil, fmt.Errorf("generation failed: %s", last.Error)
	default:
		return nil, fmt.Errorf("no terminal response received (ctx: %w)", ctx.Err())
	}
}

// Stream submits one prompt and returns the channel of incremental
// responses directly, for callers that want to print tokens as they
// arrive instead of waiting for the full completion.
func (l *LLM) Stream(ctx context.Context, prompt string, opts GenerateOptions) <-chan engine.Response {
	responses := make(chan engine.Response, 32)
	l.submit(ctx, prompt, opts, responses)
	return responses
}

// submit enqueues one request, respecting ctx cancellation while the
// request channel is full, and refusing to send once Close has run —
// sending on l.requests after it's closed would panic. Held under a
// read lock so concurrent submitters don't serialize against each
// other; Close takes the write lock, so it can't run (and close the
// channel) while any submit is mid-send.
func (l *LLM) submit(ctx context.Context, prompt string, opts GenerateOptions, responses chan engine.Response) {
	params := l.cfg.DefaultSampling.ApplyDefaults(opts.Params)
	seed := opts.Seed
	if seed == 0 {
		seed = int64(uuid.New().ID())
	}
	req := &engine.Request{
		ID:         uuid.New(),
		Prompt:     prompt,
		Params:     params,
		Seed:       seed,
		StopTokens: opts.StopTokens,
		Ctx:        ctx,
		Responses:  responses,
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		responses <- engine.Response{Kind: engine.KindError, Error: "LLM is closed"}
		return
	}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		responses <- engine.Response{Kind: engine.KindError, Error: fmt.Sprintf("submit cancelled: %s", ctx.Err())}
	}
}

// Close stops accepting new requests; sequences already admitted still
// run to completion. Safe to call concurrently with Generate/Stream and
// safe to call more than once.
func (l *LLM) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.requests)
}
