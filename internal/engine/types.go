package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/tessera-ai/contbatch/internal/sampling"
)

// DoneReason is why a sequence stopped generating.
type DoneReason int

const (
	ReasonNone DoneReason = iota
	ReasonEOSToken
	ReasonStopToken
	ReasonMaxLen
	ReasonCancelled
	ReasonError
)

func (r DoneReason) String() string {
	switch r {
	case ReasonEOSToken:
		return "eos_token"
	case ReasonStopToken:
		return "stop_token"
	case ReasonMaxLen:
		return "max_len"
	case ReasonCancelled:
		return "cancelled"
	case ReasonError:
		return "error"
	default:
		return "none"
	}
}

// Request is one admitted generation request.
type Request struct {
	// ID correlates this request across logs and caller-side tracking.
	// Callers that don't set one get a fresh random ID at submission
	// time (see contbatch.go); the engine never generates its own.
	ID         uuid.UUID
	Prompt     string
	Params     sampling.RequestParams
	StopTokens map[uint32]struct{}
	Seed       int64

	// Ctx governs cancellation: the caller cancels it to signal it has
	// dropped interest in the response sink.
	Ctx context.Context
	// Responses is this request's single-producer sink. The engine sends
	// zero or more Token messages followed by exactly one Done or Error.
	Responses chan<- Response
}

// ResponseKind tags which field of Response is populated.
type ResponseKind int

const (
	KindToken ResponseKind = iota
	KindDone
	KindError
)

// TokenMessage is one intermediate token emitted during generation.
type TokenMessage struct {
	ID       uint32
	Text     string
	Logprobs sampling.Logprobs
}

// DoneMessage is the terminal success message.
type DoneMessage struct {
	Reason       DoneReason
	FullText     string
	GeneratedIDs []uint32
}

// Response is one message on a request's sink. Exactly one terminal
// message (Kind == KindDone or KindError) is ever sent per request, and
// it is always the last message sent.
type Response struct {
	Kind  ResponseKind
	Token TokenMessage
	Done  DoneMessage
	Error string
}
