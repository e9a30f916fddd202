package pipeline

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/contbatch/internal/config"
)

// fakeTensor is one entry written into a test safetensors shard.
type fakeTensor struct {
	shape []int64
	data  []float32
}

// writeSafetensors writes a minimal, valid safetensors file containing the
// given F32 tensors, in the on-disk format pkg/safetensors.Open expects:
// an 8-byte little-endian header length, the header JSON, then the raw
// concatenated tensor bytes at the offsets the header claims.
func writeSafetensors(t *testing.T, path string, tensors map[string]fakeTensor) {
	t.Helper()

	type headerEntry struct {
		Dtype       string  `json:"dtype"`
		Shape       []int64 `json:"shape"`
		DataOffsets [2]int64 `json:"data_offsets"`
	}
	header := make(map[string]headerEntry, len(tensors))
	var payload []byte
	for name, ft := range tensors {
		start := int64(len(payload))
		buf := make([]byte, len(ft.data)*4)
		for i, v := range ft.data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		payload = append(payload, buf...)
		header[name] = headerEntry{Dtype: "F32", Shape: ft.shape, DataOffsets: [2]int64{start, int64(len(payload))}}
	}

	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	_, err = f.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = f.Write(headerBytes)
	require.NoError(t, err)
	_, err = f.Write(payload)
	require.NoError(t, err)
}

func writeTokenizerFixture(t *testing.T, dir string) {
	t.Helper()
	tok := `{
		"model": {"type": "BPE", "vocab": {"<unk>": 0, "a": 1}, "merges": [], "unk_token": "<unk>"},
		"pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false},
		"added_tokens": []
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(tok), 0o644))
}

func testConfig(vocabSize, hiddenSize, numLayers, numHeads, numKVHeads, headDim, intermediate int) *config.Config {
	return &config.Config{
		VocabSize:             vocabSize,
		HiddenSize:            hiddenSize,
		NumHiddenLayers:       numLayers,
		NumAttentionHeads:     numHeads,
		NumKeyValueHeads:      numKVHeads,
		IntermediateSize:      intermediate,
		HiddenAct:             "silu",
		MaxPositionEmbeddings: 128,
		RMSNormEps:            1e-5,
		HeadDim:               headDim,
		EOSTokenID:            2,
		RoPETheta:             10000.0,
	}
}

// buildShardTensors returns every tensor name LoadWeights expects for a
// single-layer model of the given dims, filled with arbitrary but
// shape-correct data, excluding the ones the per-test case varies
// (gate/up/gate_up, lm_head).
func buildShardTensors(hiddenSize, vocabSize, numKVHeads, headDim, numHeads int) map[string]fakeTensor {
	full := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(i) * 0.01
		}
		return out
	}
	kvDim := numKVHeads * headDim
	qDim := numHeads * headDim
	return map[string]fakeTensor{
		"model.embed_tokens.weight":             {shape: []int64{int64(vocabSize), int64(hiddenSize)}, data: full(vocabSize * hiddenSize)},
		"model.layers.0.input_layernorm.weight":  {shape: []int64{int64(hiddenSize)}, data: full(hiddenSize)},
		"model.layers.0.post_attention_layernorm.weight": {shape: []int64{int64(hiddenSize)}, data: full(hiddenSize)},
		"model.layers.0.self_attn.q_proj.weight": {shape: []int64{int64(qDim), int64(hiddenSize)}, data: full(qDim * hiddenSize)},
		"model.layers.0.self_attn.k_proj.weight": {shape: []int64{int64(kvDim), int64(hiddenSize)}, data: full(kvDim * hiddenSize)},
		"model.layers.0.self_attn.v_proj.weight": {shape: []int64{int64(kvDim), int64(hiddenSize)}, data: full(kvDim * hiddenSize)},
		"model.layers.0.self_attn.o_proj.weight": {shape: []int64{int64(hiddenSize), int64(qDim)}, data: full(hiddenSize * qDim)},
		"model.layers.0.mlp.down_proj.weight":    {shape: []int64{int64(hiddenSize), int64(hiddenSize)}, data: full(hiddenSize * hiddenSize)},
		"model.norm.weight":                      {shape: []int64{int64(hiddenSize)}, data: full(hiddenSize)},
	}
}

func TestLoadWeightsFusedGateUp(t *testing.T) {
	const hiddenSize, vocabSize, numHeads, numKVHeads, headDim = 4, 8, 2, 2, 2
	dir := t.TempDir()
	writeTokenizerFixture(t, dir)

	tensors := buildShardTensors(hiddenSize, vocabSize, numKVHeads, headDim, numHeads)
	tensors["model.layers.0.mlp.gate_up_proj.weight"] = fakeTensor{
		shape: []int64{int64(hiddenSize * 2), int64(hiddenSize)},
		data:  make([]float32, hiddenSize*2*hiddenSize),
	}
	tensors["lm_head.weight"] = fakeTensor{shape: []int64{int64(vocabSize), int64(hiddenSize)}, data: make([]float32, vocabSize*hiddenSize)}

	shardPath := filepath.Join(dir, "model.safetensors")
	writeSafetensors(t, shardPath, tensors)

	cfg := testConfig(vocabSize, hiddenSize, 1, numHeads, numKVHeads, headDim, hiddenSize)
	p, err := NewMistralPipeline(cfg)
	require.NoError(t, err)

	err = p.LoadWeights([]string{shardPath}, filepath.Join(dir, "tokenizer.json"))
	require.NoError(t, err)
}

func TestLoadWeightsSeparateGateAndUp(t *testing.T) {
	const hiddenSize, vocabSize, numHeads, numKVHeads, headDim = 4, 8, 2, 2, 2
	dir := t.TempDir()
	writeTokenizerFixture(t, dir)

	tensors := buildShardTensors(hiddenSize, vocabSize, numKVHeads, headDim, numHeads)
	tensors["model.layers.0.mlp.gate_proj.weight"] = fakeTensor{shape: []int64{int64(hiddenSize), int64(hiddenSize)}, data: make([]float32, hiddenSize*hiddenSize)}
	tensors["model.layers.0.mlp.up_proj.weight"] = fakeTensor{shape: []int64{int64(hiddenSize), int64(hiddenSize)}, data: make([]float32, hiddenSize*hiddenSize)}
	// lm_head.weight intentionally omitted: exercises the tied-embeddings fallback.

	shardPath := filepath.Join(dir, "model.safetensors")
	writeSafetensors(t, shardPath, tensors)

	cfg := testConfig(vocabSize, hiddenSize, 1, numHeads, numKVHeads, headDim, hiddenSize)
	p, err := NewMistralPipeline(cfg)
	require.NoError(t, err)

	err = p.LoadWeights([]string{shardPath}, filepath.Join(dir, "tokenizer.json"))
	require.NoError(t, err)
}

func TestLoadWeightsMissingShardTensorFails(t *testing.T) {
	const hiddenSize, vocabSize, numHeads, numKVHeads, headDim = 4, 8, 2, 2, 2
	dir := t.TempDir()
	writeTokenizerFixture(t, dir)

	tensors := buildShardTensors(hiddenSize, vocabSize, numKVHeads, headDim, numHeads)
	delete(tensors, "model.layers.0.self_attn.k_proj.weight")

	shardPath := filepath.Join(dir, "model.safetensors")
	writeSafetensors(t, shardPath, tensors)

	cfg := testConfig(vocabSize, hiddenSize, 1, numHeads, numKVHeads, headDim, hiddenSize)
	p, err := NewMistralPipeline(cfg)
	require.NoError(t, err)

	err = p.LoadWeights([]string{shardPath}, filepath.Join(dir, "tokenizer.json"))
	require.Error(t, err)
}
