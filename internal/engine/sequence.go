package engine

import (
	"github.com/google/uuid"

	"github.com/tessera-ai/contbatch/internal/sampling"
	"github.com/tessera-ai/contbatch/internal/tensor"
)

// SeqState is a Sequence's lifecycle state.
type SeqState int

const (
	StateWaiting SeqState = iota
	StateRunningPrompt
	StateRunningDecode
	StateDone
)

func (s SeqState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRunningPrompt:
		return "running_prompt"
	case StateRunningDecode:
		return "running_decode"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// LayerKV is one layer's per-sequence key/value slot: a pair of tensors
// shaped [heads, seq_len, head_dim] with no batch dimension. A nil LayerKV
// means the slot is empty (the sequence has not yet been observed by a
// forward pass at this layer).
type LayerKV struct {
	K *tensor.Tensor
	V *tensor.Tensor
}

// SeqLen reports the current KV length of this slot, or 0 if the slot is
// empty or has no stored tensor.
func (l *LayerKV) SeqLen() int {
	if l == nil || l.K == nil {
		return 0
	}
	shape := l.K.Shape()
	return shape[len(shape)-2]
}

// Sequence is a row of generation work: one admitted request's full
// lifecycle state.
type Sequence struct {
	ID  uint64
	req *Request

	Tokens    []uint32
	PromptLen int
	GenIdx    int

	// TickContextSize is the number of new tokens consumed by the most
	// recent forward pass this sequence participated in (the prompt
	// length on prompt-ingest, 1 on every decode step). It is written by
	// the Pipeline implementation inside Forward and read back by
	// Scatter to size the post-forward KV slot; ownership is handed off
	// this way because only the pipeline knows how it chose to chunk
	// the sequence's context for that tick.
	TickContextSize int

	KV []*LayerKV

	Sampler    *sampling.State
	StopTokens map[uint32]struct{}

	MaxPositionEmbeddings int

	State      SeqState
	DoneReason DoneReason
	doneSent   bool
}

// NewSequence constructs a Waiting sequence from a tokenized prompt. L is
// the model's num_hidden_layers, used to size the empty KV slot list.
func NewSequence(id uint64, req *Request, promptTokens []uint32, l int, sampler *sampling.State, maxPositionEmbeddings int) *Sequence {
	tokens := make([]uint32, len(promptTokens))
	copy(tokens, promptTokens)
	return &Sequence{
		ID:                    id,
		req:                   req,
		Tokens:                tokens,
		PromptLen:             len(tokens),
		GenIdx:                0,
		KV:                    make([]*LayerKV, l),
		Sampler:               sampler,
		StopTokens:            req.StopTokens,
		MaxPositionEmbeddings: maxPositionEmbeddings,
		State:                 StateWaiting,
	}
}

// RequestID returns the correlation id of the request that admitted this
// sequence, for logging.
func (s *Sequence) RequestID() uuid.UUID {
	return s.req.ID
}

// AddToken appends a sampled token. Must only be called after a
// successful forward+sample for this sequence in the current tick.
func (s *Sequence) AddToken(t uint32) {
	s.Tokens = append(s.Tokens, t)
}

// GeneratedIDs returns the tokens produced since the prompt.
func (s *Sequence) GeneratedIDs() []uint32 {
	return s.Tokens[s.PromptLen:]
}

// IsDone evaluates the termination predicate for a just-sampled token,
// checked in the fixed order EOS, stop-token, max-len.
func (s *Sequence) IsDone(t uint32, eosTok uint32) (DoneReason, bool) {
	if t == eosTok {
		return ReasonEOSToken, true
	}
	if _, stop := s.StopTokens[t]; stop {
		return ReasonStopToken, true
	}
	if len(s.Tokens) >= s.MaxPositionEmbeddings {
		return ReasonMaxLen, true
	}
	return ReasonNone, false
}

// Cancelled reports whether the caller has signaled it no longer wants
// this sequence's output.
func (s *Sequence) Cancelled() bool {
	if s.req.Ctx == nil {
		return false
	}
	select {
	case <-s.req.Ctx.Done():
		return true
	default:
		return false
	}
}

// EmitToken sends an intermediate Token message on the sequence's sink.
func (s *Sequence) EmitToken(msg TokenMessage) {
	s.send(Response{Kind: KindToken, Token: msg})
}

// SetDone transitions the sequence to Done and sends the single terminal
// Done message, carrying the generated-so-far tokens and their detokenized
// text. Safe to call exactly once; subsequent calls are no-ops so a tick
// that re-evaluates termination can't double-send.
func (s *Sequence) SetDone(reason DoneReason, fullText string) {
	if s.doneSent {
		return
	}
	s.State = StateDone
	s.DoneReason = reason
	s.doneSent = true
	s.send(Response{Kind: KindDone, Done: DoneMessage{
		Reason:       reason,
		FullText:     fullText,
		GeneratedIDs: append([]uint32(nil), s.GeneratedIDs()...),
	}})
}

// SetError transitions the sequence to Done(Error) and sends the single
// terminal Error message.
func (s *Sequence) SetError(err error) {
	s.State = StateDone
	s.DoneReason = ReasonError
	if s.doneSent {
		return
	}
	s.doneSent = true
	s.send(Response{Kind: KindError, Error: err.Error()})
}

func (s *Sequence) send(resp Response) {
	if s.req.Responses == nil {
		return
	}
	if s.req.Ctx == nil {
		s.req.Responses <- resp
		return
	}
	select {
	case s.req.Responses <- resp:
	case <-s.req.Ctx.Done():
	}
}
