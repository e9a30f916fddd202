package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tessera-ai/contbatch/internal/sampling"
	"github.com/tessera-ai/contbatch/internal/tensor"
)

// Engine is the engine loop: it drains the request channel,
// admits new sequences, and drives one tick at a time
// (schedule -> gather -> forward -> scatter -> sample -> emit). It runs on
// a single owner goroutine; no Sequence is ever mutated by any other
// actor while the engine holds it.
type Engine struct {
	pipeline   Pipeline
	scheduler  *Scheduler
	marshaller *Marshaller
	requests   <-chan *Request

	maxPositionEmbeddings int
	idCounter             uint64

	log *logrus.Entry
}

// Config bundles the knobs NewEngine needs beyond the Pipeline and
// request channel themselves.
type Config struct {
	MaxBatch              int
	MaxPositionEmbeddings int
	Heads                 int
	HeadDim               int
	Log                   *logrus.Entry
}

// NewEngine constructs an Engine. requests is the in-process channel the
// public-facing server owns the send side of; the engine owns everything
// downstream of it.
func NewEngine(pipeline Pipeline, requests <-chan *Request, cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		pipeline:              pipeline,
		scheduler:             NewScheduler(cfg.MaxBatch),
		marshaller:            NewMarshaller(cfg.Heads, cfg.HeadDim),
		requests:              requests,
		maxPositionEmbeddings: cfg.MaxPositionEmbeddings,
		log:                   log,
	}
}

// Run drives ticks until the request channel is closed and the scheduler
// holds no sequences. It never returns
// early on a per-request or per-tick error.
func (e *Engine) Run() {
	for {
		e.drainRequests()

		if e.scheduler.IsEmpty() {
			req, ok := <-e.requests
			if !ok {
				return
			}
			e.admit(req)
			continue
		}

		e.tick()
	}
}

// drainRequests admits every request currently waiting on the channel
// without blocking.
func (e *Engine) drainRequests() {
	for {
		select {
		case req, ok := <-e.requests:
			if !ok {
				return
			}
			e.admit(req)
		default:
			return
		}
	}
}

// admit validates and tokenizes one request, constructing a Sequence on
// success or sending a single Error message and discarding it on failure.
func (e *Engine) admit(req *Request) {
	if err := req.Params.Validate(); err != nil {
		e.rejectAdmission(req, fmt.Errorf("admission rejected: %w", err))
		return
	}
	ids, err := e.pipeline.TokenizePrompt(req.Prompt)
	if err != nil {
		e.rejectAdmission(req, fmt.Errorf("tokenization failed: %w", err))
		return
	}

	id := atomic.AddUint64(&e.idCounter, 1) - 1
	sampler := sampling.NewState(req.Params.Resolve(), req.Seed)
	seq := NewSequence(id, req, ids, e.pipeline.NumHiddenLayers(), sampler, e.maxPositionEmbeddings)
	e.scheduler.Add(seq)
	e.log.WithFields(logrus.Fields{"seq_id": id, "request_id": req.ID, "prompt_tokens": len(ids)}).Debug("admitted request")
}

func (e *Engine) rejectAdmission(req *Request, err error) {
	e.log.WithError(err).WithField("request_id", req.ID).Warn("rejected admission")
	if req.Responses == nil {
		return
	}
	resp := Response{Kind: KindError, Error: err.Error()}
	if req.Ctx == nil {
		req.Responses <- resp
		return
	}
	select {
	case req.Responses <- resp:
	case <-req.Ctx.Done():
	}
}

// tick runs one schedule -> gather -> forward -> scatter -> sample ->
// emit cycle. If the scheduler has nothing
// eligible, it is a no-op — callers only reach here once Run has already
// confirmed the scheduler is non-empty.
func (e *Engine) tick() {
	scheduled := e.scheduler.Schedule()
	if len(scheduled.Seqs) == 0 {
		return
	}

	numLayers := e.pipeline.NumHiddenLayers()
	slab := e.pipeline.Cache()

	if err := e.marshaller.Gather(scheduled.Seqs, slab, numLayers); err != nil {
		e.failTick(scheduled.Seqs, fmt.Errorf("kv gather failed: %w", err))
		return
	}

	logits, err := e.pipeline.Forward(scheduled.Seqs)
	if err != nil {
		e.failTick(scheduled.Seqs, fmt.Errorf("forward failed: %w", err))
		return
	}

	if err := e.marshaller.Scatter(scheduled.Seqs, slab); err != nil {
		e.failTick(scheduled.Seqs, fmt.Errorf("kv scatter failed: %w", err))
		return
	}

	e.emit(scheduled.Seqs, logits)
}

// failTick aborts an entire tick: every scheduled sequence is terminated
// with the given error and retired, and the pipeline's KV slab is cleared
// so the next Gather starts from a known-empty state: a forward error
// fails every sequence scheduled for that tick.
func (e *Engine) failTick(seqs []*Sequence, err error) {
	e.log.WithError(err).WithField("batch_size", len(seqs)).Error("tick failed")
	for _, seq := range seqs {
		seq.SetError(err)
		e.scheduler.Retire(seq)
	}
	if slab := e.pipeline.Cache(); slab != nil {
		slab.Layers = nil
		slab.PriorLens = nil
	}
}

// emit slices the last-token logits row for each scheduled sequence,
// samples, appends, checks for cancellation, emits the intermediate
// token, and evaluates termination, in scheduled order. logits is shaped
// [B, 1, V] — a Pipeline only ever returns the final position, since
// that's all any caller samples from — but this still slices out the
// last row generically in case a future Pipeline returns more.
func (e *Engine) emit(seqs []*Sequence, logits *tensor.Tensor) {
	shape := logits.Shape()
	s, v := shape[1], shape[2]
	data := logits.Floats()

	for i, seq := range seqs {
		rowOff := (i*s + (s - 1)) * v
		row := data[rowOff : rowOff+v]

		lp, err := e.pipeline.Sample(row, seq)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"seq_id": seq.ID, "request_id": seq.RequestID()}).Warn("sampling failed")
			seq.SetError(fmt.Errorf("sampling failed: %w", err))
			e.scheduler.Retire(seq)
			continue
		}
		seq.AddToken(lp.Token)

		if seq.Cancelled() {
			seq.SetDone(ReasonCancelled, "")
			e.scheduler.Retire(seq)
			continue
		}

		seq.EmitToken(TokenMessage{ID: lp.Token, Text: lp.Text, Logprobs: lp})

		if reason, done := seq.IsDone(lp.Token, e.pipeline.EOSTok()); done {
			fullText, decErr := e.pipeline.Tokenizer().Decode(seq.GeneratedIDs())
			if decErr != nil {
				e.log.WithError(decErr).WithFields(logrus.Fields{"seq_id": seq.ID, "request_id": seq.RequestID()}).Warn("final detokenize failed")
			}
			seq.SetDone(reason, fullText)
			e.scheduler.Retire(seq)
		}
	}
}
