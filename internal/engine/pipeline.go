package engine

import (
	"github.com/tessera-ai/contbatch/internal/sampling"
	"github.com/tessera-ai/contbatch/internal/tensor"
)

// Tokenizer is the narrow decode-side capability the engine needs from a
// Pipeline's tokenizer, used to detokenize a sequence's generated ids into
// its final text.
type Tokenizer interface {
	Decode(ids []uint32) (string, error)
}

// Pipeline is the single narrow contract the engine uses to see the
// model. All calls are synchronous and happen on the engine's
// single owner thread; no method is ever called concurrently with
// another.
type Pipeline interface {
	// Forward runs one forward pass over the scheduled sequences, in
	// order, and returns only the last position's logits, shaped
	// [B, 1, V] — every caller only ever samples from the final token of
	// the context, so there is nothing to gain from returning the rest.
	// As a side effect it overwrites the pipeline's own KV slab (see
	// Cache) and, for every sequence in seqs, sets
	// Sequence.TickContextSize to the number of new tokens that sequence
	// contributed to this pass.
	Forward(seqs []*Sequence) (*tensor.Tensor, error)

	// TokenizePrompt encodes prompt text into input ids.
	TokenizePrompt(prompt string) ([]uint32, error)

	// Device reports the (opaque, single) accelerator device tensors are
	// placed on.
	Device() tensor.Device

	// NumHiddenLayers reports L, the per-sequence and per-slab layer
	// count.
	NumHiddenLayers() int

	// Cache returns the pipeline-owned per-layer batched KV slab that
	// the marshaller gathers into and scatters from.
	Cache() *Slab

	// Sample turns one logits row into a sampled token plus
	// log-probabilities. Implementations typically delegate to
	// sampling.Sample and decorate the result with detokenized labels,
	// since only the pipeline holds the tokenizer needed for that.
	Sample(row []float32, seq *Sequence) (sampling.Logprobs, error)

	// Tokenizer returns the decode-side tokenizer handle.
	Tokenizer() Tokenizer

	// EOSTok reports the end-of-sequence token id.
	EOSTok() uint32
}
