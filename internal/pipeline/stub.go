// Package pipeline holds the concrete Pipeline implementations the
// engine drives: a deterministic StubPipeline for engine-level tests,
// and MistralPipeline, a real decoder-only transformer built from
// internal/layers and loaded from a safetensors checkpoint.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tessera-ai/contbatch/internal/engine"
	"github.com/tessera-ai/contbatch/internal/sampling"
	"github.com/tessera-ai/contbatch/internal/tensor"
)

// StubVocab, StubLayers and StubEOS fix the tiny deterministic model
// exercised by the engine test suite: a one-hot distribution on
// (prompt_sum + step) mod vocab, with an otherwise-unused two-layer KV
// cache so the gather/scatter path is exercised end to end.
const (
	StubVocab   = 16
	StubLayers  = 2
	StubEOS     = uint32(StubVocab - 1)
	stubHeads   = 1
	stubHeadDim = 1
)

// StubPipeline is a deterministic, arithmetic-only stand-in for a real
// model: its next-token distribution is a one-hot on
// (sum(prompt ids) + generation step) mod StubVocab. It carries a real
// (if otherwise meaningless) per-layer KV slab so tests exercise the
// same gather/forward/scatter path the real pipeline uses.
type StubPipeline struct {
	cache *engine.Slab

	// BatchSizes records len(seqs) for every Forward call, in order.
	// Exported purely for test instrumentation.
	BatchSizes []int
}

// NewStubPipeline constructs a StubPipeline with an empty KV slab.
func NewStubPipeline() *StubPipeline {
	return &StubPipeline{cache: engine.NewSlab(StubLayers)}
}

// KVDims reports the (heads, head_dim) this pipeline's KV cache uses,
// for wiring into engine.Config.
func (p *StubPipeline) KVDims() (heads, headDim int) { return stubHeads, stubHeadDim }

// TokenizePrompt parses whitespace-separated decimal token ids. This
// stands in for real subword tokenization so test prompts can name
// exact token ids directly.
func (p *StubPipeline) TokenizePrompt(prompt string) ([]uint32, error) {
	fields := strings.Fields(prompt)
	ids := make([]uint32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("stub tokenizer: %q is not a decimal token id: %w", f, err)
		}
		ids = append(ids, uint32(n))
	}
	return ids, nil
}

func (p *StubPipeline) Device() tensor.Device   { return tensor.CPU }
func (p *StubPipeline) NumHiddenLayers() int    { return StubLayers }
func (p *StubPipeline) Cache() *engine.Slab     { return p.cache }
func (p *StubPipeline) EOSTok() uint32          { return StubEOS }
func (p *StubPipeline) Tokenizer() engine.Tokenizer { return stubTokenizer{} }

// Sample delegates straight to the Sampling Unit; the stub has no
// detokenized text worth attaching beyond the raw id.
func (p *StubPipeline) Sample(row []float32, seq *engine.Sequence) (sampling.Logprobs, error) {
	lp, err := sampling.Sample(row, seq.Tokens, seq.Sampler)
	if err != nil {
		return sampling.Logprobs{}, err
	}
	lp.Text = strconv.FormatUint(uint64(lp.Token), 10)
	return lp, nil
}

// Forward computes the one-hot next-token distribution for every
// scheduled sequence and maintains the (otherwise meaningless) KV slab:
// every new token this tick contributes one scalar entry per layer, so
// Scatter can split it back out exactly as a real pipeline's would.
func (p *StubPipeline) Forward(seqs []*engine.Sequence) (*tensor.Tensor, error) {
	b := len(seqs)
	p.BatchSizes = append(p.BatchSizes, b)
	if b == 0 {
		return tensor.NewFloat32([]int{0, 1, StubVocab}, nil)
	}
	if len(p.cache.PriorLens) != b {
		return nil, fmt.Errorf("stub forward: slab has %d prior lengths, want %d", len(p.cache.PriorLens), b)
	}

	contextSizes := make([]int, b)
	maxLen := 0
	for i, seq := range seqs {
		cs := 1
		if seq.GenIdx == 0 {
			cs = len(seq.Tokens)
		}
		seq.TickContextSize = cs
		contextSizes[i] = cs
		if newLen := p.cache.PriorLens[i] + cs; newLen > maxLen {
			maxLen = newLen
		}
	}

	for l := 0; l < StubLayers; l++ {
		old := p.cache.Layers[l]
		kBuf := make([]float32, b*maxLen)
		vBuf := make([]float32, b*maxLen)
		for i, seq := range seqs {
			prior := p.cache.PriorLens[i]
			if old != nil {
				oldK := old.K.Floats()
				oldV := old.V.Floats()
				copy(kBuf[i*maxLen:i*maxLen+prior], oldK[i*old.S:i*old.S+prior])
				copy(vBuf[i*maxLen:i*maxLen+prior], oldV[i*old.S:i*old.S+prior])
			}
			newToks := seq.Tokens[len(seq.Tokens)-contextSizes[i]:]
			for j, t := range newToks {
				kBuf[i*maxLen+prior+j] = float32(t)
				vBuf[i*maxLen+prior+j] = float32(t)
			}
		}
		kT, err := tensor.NewFloat32([]int{b, stubHeads, maxLen, stubHeadDim}, kBuf)
		if err != nil {
			return nil, fmt.Errorf("stub forward layer %d: %w", l, err)
		}
		vT, err := tensor.NewFloat32([]int{b, stubHeads, maxLen, stubHeadDim}, vBuf)
		if err != nil {
			return nil, fmt.Errorf("stub forward layer %d: %w", l, err)
		}
		p.cache.Layers[l] = &engine.BatchedLayerKV{K: kT, V: vT, B: b, Heads: stubHeads, S: maxLen, HeadDim: stubHeadDim}
	}

	logitsBuf := make([]float32, b*StubVocab)
	for i, seq := range seqs {
		promptSum := 0
		for _, t := range seq.Tokens[:seq.PromptLen] {
			promptSum += int(t)
		}
		idx := (promptSum + seq.GenIdx) % StubVocab
		logitsBuf[i*StubVocab+idx] = 1.0
		seq.GenIdx++
	}
	return tensor.NewFloat32([]int{b, 1, StubVocab}, logitsBuf)
}

// stubTokenizer detokenizes by rendering ids as space-separated decimal
// text, the inverse of StubPipeline.TokenizePrompt.
type stubTokenizer struct{}

func (stubTokenizer) Decode(ids []uint32) (string, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, " "), nil
}
