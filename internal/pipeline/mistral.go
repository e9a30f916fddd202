package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/tessera-ai/contbatch/internal/config"
	"github.com/tessera-ai/contbatch/internal/engine"
	"github.com/tessera-ai/contbatch/internal/layers"
	"github.com/tessera-ai/contbatch/internal/sampling"
	"github.com/tessera-ai/contbatch/internal/tensor"
	"github.com/tessera-ai/contbatch/pkg/safetensors"
	"github.com/tessera-ai/contbatch/pkg/tokenizer"
)

// mistralLayer is one decoder block: pre-attention RMSNorm, attention,
// post-attention RMSNorm, MLP, each wrapped in its own residual.
type mistralLayer struct {
	inputNorm    *layers.RMSNorm
	attn         *layers.Attention
	postAttnNorm *layers.RMSNorm
	mlp          *layers.MLP
}

// MistralPipeline is a real decoder-only transformer forward pass built
// from internal/layers, with KV ownership external to it: every call
// reads prior context from, and writes new context back to, the
// pipeline's own Slab.
type MistralPipeline struct {
	cfg *config.Config

	embedTokens *layers.Embedding
	decoderLayers []*mistralLayer
	finalNorm   *layers.RMSNorm
	lmHead      *layers.Linear

	tok   tokenizer.Tokenizer
	cache *engine.Slab
}

// NewMistralPipeline builds an (unweighted) Mistral-architecture stack
// from a loaded Config. Call LoadWeights before Forward.
func NewMistralPipeline(cfg *config.Config) (*MistralPipeline, error) {
	embedTokens, err := layers.NewEmbedding(cfg.VocabSize, cfg.HiddenSize)
	if err != nil {
		return nil, fmt.Errorf("embed_tokens: %w", err)
	}

	decoderLayers := make([]*mistralLayer, cfg.NumHiddenLayers)
	for i := range decoderLayers {
		inputNorm, err := layers.NewRMSNorm(cfg.HiddenSize, float32(cfg.RMSNormEps))
		if err != nil {
			return nil, fmt.Errorf("layer %d input_layernorm: %w", i, err)
		}
		attn, err := layers.NewAttention(cfg.HiddenSize, cfg.NumAttentionHeads, cfg.NumKeyValueHeads, cfg.HeadDim, cfg.MaxPositionEmbeddings, cfg.RoPETheta)
		if err != nil {
			return nil, fmt.Errorf("layer %d self_attn: %w", i, err)
		}
		postAttnNorm, err := layers.NewRMSNorm(cfg.HiddenSize, float32(cfg.RMSNormEps))
		if err != nil {
			return nil, fmt.Errorf("layer %d post_attention_layernorm: %w", i, err)
		}
		mlp, err := layers.NewMLP(cfg.HiddenSize, cfg.IntermediateSize, cfg.HiddenAct)
		if err != nil {
			return nil, fmt.Errorf("layer %d mlp: %w", i, err)
		}
		decoderLayers[i] = &mistralLayer{inputNorm: inputNorm, attn: attn, postAttnNorm: postAttnNorm, mlp: mlp}
	}

	finalNorm, err := layers.NewRMSNorm(cfg.HiddenSize, float32(cfg.RMSNormEps))
	if err != nil {
		return nil, fmt.Errorf("model.norm: %w", err)
	}
	lmHead, err := layers.NewLinear(cfg.HiddenSize, cfg.VocabSize, false)
	if err != nil {
		return nil, fmt.Errorf("lm_head: %w", err)
	}

	return &MistralPipeline{
		cfg:           cfg,
		embedTokens:   embedTokens,
		decoderLayers: decoderLayers,
		finalNorm:     finalNorm,
		lmHead:        lmHead,
		cache:         engine.NewSlab(cfg.NumHiddenLayers),
	}, nil
}

// LoadWeights loads every tensor this stack needs from the given
// safetensors shards, mapping names the way HF-style Mistral checkpoints
// lay them out.
func (p *MistralPipeline) LoadWeights(weightFiles []string, tokenizerPath string) error {
	dir, err := safetensorsOpenAll(weightFiles)
	if err != nil {
		return err
	}

	embedData, err := dir.readFloat32("model.embed_tokens.weight")
	if err != nil {
		return fmt.Errorf("read embed_tokens: %w", err)
	}
	if err := p.embedTokens.LoadWeights(embedData); err != nil {
		return fmt.Errorf("load embed_tokens: %w", err)
	}

	for i, layer := range p.decoderLayers {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		if err := loadRMSNorm(dir, prefix+"input_layernorm.weight", layer.inputNorm); err != nil {
			return err
		}
		if err := loadRMSNorm(dir, prefix+"post_attention_layernorm.weight", layer.postAttnNorm); err != nil {
			return err
		}
		if err := loadLinearWeight(dir, prefix+"self_attn.q_proj.weight", layer.attn.SetQWeights); err != nil {
			return err
		}
		if err := loadLinearWeight(dir, prefix+"self_attn.k_proj.weight", layer.attn.SetKWeights); err != nil {
			return err
		}
		if err := loadLinearWeight(dir, prefix+"self_attn.v_proj.weight", layer.attn.SetVWeights); err != nil {
			return err
		}
		if err := loadLinearWeight(dir, prefix+"self_attn.o_proj.weight", layer.attn.SetOWeights); err != nil {
			return err
		}
		if err := loadGateUp(dir, prefix, layer.mlp); err != nil {
			return err
		}
		if err := loadLinearWeight(dir, prefix+"mlp.down_proj.weight", layer.mlp.SetDownWeights); err != nil {
			return err
		}
	}

	if err := loadRMSNorm(dir, "model.norm.weight", p.finalNorm); err != nil {
		return err
	}

	if data, err := dir.readFloat32("lm_head.weight"); err == nil {
		if err := p.lmHead.LoadWeights(data, nil); err != nil {
			return fmt.Errorf("load lm_head: %w", err)
		}
	} else {
		// Tied embeddings: lm_head shares embed_tokens' weight.
		if err := p.lmHead.LoadWeights(embedData, nil); err != nil {
			return fmt.Errorf("load tied lm_head: %w", err)
		}
	}

	tok, err := tokenizer.NewTokenizer(filepathDir(tokenizerPath))
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	p.tok = tok
	return nil
}

// TokenizePrompt encodes prompt text into input ids.
func (p *MistralPipeline) TokenizePrompt(prompt string) ([]uint32, error) {
	ids, err := p.tok.Encode(prompt)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out, nil
}

func (p *MistralPipeline) Device() tensor.Device { return tensor.CPU }
func (p *MistralPipeline) NumHiddenLayers() int  { return len(p.decoderLayers) }
func (p *MistralPipeline) Cache() *engine.Slab   { return p.cache }
func (p *MistralPipeline) EOSTok() uint32        { return p.cfg.EOSTokenID }
func (p *MistralPipeline) Tokenizer() engine.Tokenizer { return mistralTokenizer{p.tok} }

// KVDims reports (num_key_value_heads, head_dim) for wiring into
// engine.Config.
func (p *MistralPipeline) KVDims() (heads, headDim int) {
	return p.cfg.NumKeyValueHeads, p.cfg.HeadDim
}

// Sample runs the Sampling Unit over one row and decorates the result
// with detokenized text — the pipeline is the only layer holding a
// tokenizer.
func (p *MistralPipeline) Sample(row []float32, seq *engine.Sequence) (sampling.Logprobs, error) {
	lp, err := sampling.Sample(row, seq.Tokens, seq.Sampler)
	if err != nil {
		return sampling.Logprobs{}, err
	}
	if text, derr := p.tok.Decode([]int{int(lp.Token)}); derr == nil {
		lp.Text = text
	}
	for i := range lp.TopN {
		if text, derr := p.tok.Decode([]int{int(lp.TopN[i].Token)}); derr == nil {
			lp.TopN[i].Text = text
		}
	}
	return lp, nil
}

// Forward runs one batched tick: every scheduled sequence's new tokens
// through the full decoder stack, reading prior KV from and writing new
// KV back to the pipeline's own Slab, and returns only the last
// position's logits per sequence — every downstream consumer (sampling,
// termination checks) only ever looks at that position, so there is no
// reason to materialize or return the rest of the context's logits.
func (p *MistralPipeline) Forward(seqs []*engine.Sequence) (*tensor.Tensor, error) {
	b := len(seqs)
	if b == 0 {
		return tensor.NewFloat32([]int{0, 1, p.cfg.VocabSize}, nil)
	}
	numLayers := len(p.decoderLayers)
	heads, headDim := p.KVDims()

	newK := make([][][]float32, b) // [seq][layer] flat per-kv-head, concatenated across heads
	newV := make([][][]float32, b)

	logitsBuf := make([]float32, b*p.cfg.VocabSize)

	for i, seq := range seqs {
		contextSize := 1
		if seq.GenIdx == 0 {
			contextSize = len(seq.Tokens)
		}
		seq.TickContextSize = contextSize
		priorLen := p.cache.PriorLens[i]

		newToks := seq.Tokens[len(seq.Tokens)-contextSize:]
		ids := make([]int64, len(newToks))
		positions := make([]int, len(newToks))
		for j, t := range newToks {
			ids[j] = int64(t)
			positions[j] = priorLen + j
		}

		idTensor, err := tensor.NewTensor([]int{len(ids)}, tensor.Int64, tensor.CPU)
		if err != nil {
			return nil, err
		}
		copy(idTensor.Data().Data().([]int64), ids)

		x, err := p.embedTokens.Forward(idTensor)
		if err != nil {
			return nil, fmt.Errorf("seq %d embed: %w", seq.ID, err)
		}

		perLayerK := make([][]float32, numLayers)
		perLayerV := make([][]float32, numLayers)

		for l, layer := range p.decoderLayers {
			priorK, priorV := extractPriorKV(p.cache, l, i, heads, headDim, priorLen)

			normed, err := layer.inputNorm.Forward(x)
			if err != nil {
				return nil, fmt.Errorf("seq %d layer %d input_layernorm: %w", seq.ID, l, err)
			}
			attnOut, kOut, vOut, err := layer.attn.Forward(normed, positions, priorK, priorV)
			if err != nil {
				return nil, fmt.Errorf("seq %d layer %d attention: %w", seq.ID, l, err)
			}
			x, err = x.Add(attnOut)
			if err != nil {
				return nil, fmt.Errorf("seq %d layer %d residual add: %w", seq.ID, l, err)
			}

			postNormed, err := layer.postAttnNorm.Forward(x)
			if err != nil {
				return nil, fmt.Errorf("seq %d layer %d post_attention_layernorm: %w", seq.ID, l, err)
			}
			mlpOut, err := layer.mlp.Forward(postNormed)
			if err != nil {
				return nil, fmt.Errorf("seq %d layer %d mlp: %w", seq.ID, l, err)
			}
			x, err = x.Add(mlpOut)
			if err != nil {
				return nil, fmt.Errorf("seq %d layer %d residual add: %w", seq.ID, l, err)
			}

			perLayerK[l] = flattenHeads(kOut)
			perLayerV[l] = flattenHeads(vOut)
		}
		newK[i] = perLayerK
		newV[i] = perLayerV

		normedFinal, err := p.finalNorm.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("seq %d final norm: %w", seq.ID, err)
		}
		lastRow, err := sliceLastRow(normedFinal, p.cfg.HiddenSize)
		if err != nil {
			return nil, fmt.Errorf("seq %d slice last row: %w", seq.ID, err)
		}
		logitsRow, err := p.lmHead.Forward(lastRow)
		if err != nil {
			return nil, fmt.Errorf("seq %d lm_head: %w", seq.ID, err)
		}
		copy(logitsBuf[i*p.cfg.VocabSize:(i+1)*p.cfg.VocabSize], logitsRow.Data().Data().([]float32))
		seq.GenIdx++
	}

	repackSlab(p.cache, seqs, newK, newV, numLayers, heads, headDim)

	return tensor.NewFloat32([]int{b, 1, p.cfg.VocabSize}, logitsBuf)
}

// extractPriorKV pulls sequence i's prior KV out of the gathered slab
// for one layer, per kv head (flat, length priorLen*headDim each).
func extractPriorKV(slab *engine.Slab, layer, seqIdx, heads, headDim, priorLen int) (k, v [][]float32) {
	if priorLen == 0 || layer >= len(slab.Layers) || slab.Layers[layer] == nil {
		return nil, nil
	}
	l := slab.Layers[layer]
	kSrc := l.K.Floats()
	vSrc := l.V.Floats()
	k = make([][]float32, heads)
	v = make([][]float32, heads)
	for h := 0; h < heads; h++ {
		off := ((seqIdx*heads + h) * l.S) * headDim
		k[h] = append([]float32(nil), kSrc[off:off+priorLen*headDim]...)
		v[h] = append([]float32(nil), vSrc[off:off+priorLen*headDim]...)
	}
	return k, v
}

// flattenHeads concatenates a per-kv-head [][]float32 into one flat
// buffer in (head, position, dim) order, matching the slab's layout.
func flattenHeads(perHead [][]float32) []float32 {
	if len(perHead) == 0 {
		return nil
	}
	out := make([]float32, 0, len(perHead)*len(perHead[0]))
	for _, h := range perHead {
		out = append(out, h...)
	}
	return out
}

// repackSlab rebuilds the pipeline's Slab from each sequence's new
// per-layer KV (right-padded to the tick's new max length), the same
// packing the KV marshaller performs on the engine side.
func repackSlab(slab *engine.Slab, seqs []*engine.Sequence, newK, newV [][][]float32, numLayers, heads, headDim int) {
	b := len(seqs)
	overallMax := 0
	lens := make([]int, b)
	for i, seq := range seqs {
		lens[i] = slab.PriorLens[i] + seq.TickContextSize
		if lens[i] > overallMax {
			overallMax = lens[i]
		}
	}
	slab.Layers = make([]*engine.BatchedLayerKV, numLayers)
	for l := 0; l < numLayers; l++ {
		kBuf := make([]float32, b*heads*overallMax*headDim)
		vBuf := make([]float32, b*heads*overallMax*headDim)
		for i := range seqs {
			sLen := lens[i]
			flatK := newK[i][l]
			flatV := newV[i][l]
			for h := 0; h < heads; h++ {
				srcOff := h * sLen * headDim
				dstOff := ((i*heads + h) * overallMax) * headDim
				copy(kBuf[dstOff:dstOff+sLen*headDim], flatK[srcOff:srcOff+sLen*headDim])
				copy(vBuf[dstOff:dstOff+sLen*headDim], flatV[srcOff:srcOff+sLen*headDim])
			}
		}
		kT, _ := tensor.NewFloat32([]int{b, heads, overallMax, headDim}, kBuf)
		vT, _ := tensor.NewFloat32([]int{b, heads, overallMax, headDim}, vBuf)
		slab.Layers[l] = &engine.BatchedLayerKV{K: kT, V: vT, B: b, Heads: heads, S: overallMax, HeadDim: headDim}
	}
}

// sliceLastRow returns a fresh [1, hiddenSize] tensor holding the final
// row of a [T, hiddenSize] tensor.
func sliceLastRow(x *tensor.Tensor, hiddenSize int) (*tensor.Tensor, error) {
	shape := x.Shape()
	t := shape[0]
	data := x.Floats()
	row := make([]float32, hiddenSize)
	copy(row, data[(t-1)*hiddenSize:t*hiddenSize])
	return tensor.NewFloat32([]int{1, hiddenSize}, row)
}

func loadRMSNorm(dir *safetensorsMulti, name string, norm *layers.RMSNorm) error {
	data, err := dir.readFloat32(name)
	if err != nil {
		return err
	}
	return norm.LoadWeights(data)
}

func loadLinearWeight(dir *safetensorsMulti, name string, set func([]float32) error) error {
	data, err := dir.readFloat32(name)
	if err != nil {
		return err
	}
	return set(data)
}

func loadGateUp(dir *safetensorsMulti, prefix string, mlp *layers.MLP) error {
	if data, err := dir.readFloat32(prefix + "mlp.gate_up_proj.weight"); err == nil {
		return mlp.SetGateUpWeights(data)
	}
	gate, err := dir.readFloat32(prefix + "mlp.gate_proj.weight")
	if err != nil {
		return fmt.Errorf("%smlp.gate_proj.weight: %w", prefix, err)
	}
	up, err := dir.readFloat32(prefix + "mlp.up_proj.weight")
	if err != nil {
		return fmt.Errorf("%smlp.up_proj.weight: %w", prefix, err)
	}
	fused := make([]float32, len(gate)+len(up))
	copy(fused, gate)
	copy(fused[len(gate):], up)
	return mlp.SetGateUpWeights(fused)
}

// safetensorsMulti and its helpers wrap pkg/safetensors.Multi with a
// find-then-read convenience used throughout LoadWeights above.
type safetensorsMulti struct {
	m *safetensors.Multi
}

func safetensorsOpenAll(paths []string) (*safetensorsMulti, error) {
	var files []*safetensors.File
	for _, p := range paths {
		f, err := safetensors.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		files = append(files, f)
	}
	return &safetensorsMulti{m: &safetensors.Multi{Files: files}}, nil
}

func (s *safetensorsMulti) Find(name string) (*safetensors.File, bool) {
	f, _, ok := s.m.Find(name)
	return f, ok
}

func (s *safetensorsMulti) readFloat32(name string) ([]float32, error) {
	f, ok := s.Find(name)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	data, _, err := f.ReadFloat32(name)
	return data, err
}

// mistralTokenizer adapts pkg/tokenizer.Tokenizer's []int-id convention
// to the engine's []uint32 Tokenizer contract.
type mistralTokenizer struct {
	tok tokenizer.Tokenizer
}

func (m mistralTokenizer) Decode(ids []uint32) (string, error) {
	conv := make([]int, len(ids))
	for i, id := range ids {
		conv[i] = int(id)
	}
	return m.tok.Decode(conv)
}

func filepathDir(tokenizerPath string) string {
	return filepath.Dir(tokenizerPath)
}
