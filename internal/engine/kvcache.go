package engine

import (
	"fmt"

	"github.com/tessera-ai/contbatch/internal/tensor"
)

// BatchedLayerKV is one layer's scratch batched KV slab, shaped
// [B, heads, S, head_dim]. It is exclusive scratch for
// exactly one tick; Gather fully overwrites it.
type BatchedLayerKV struct {
	K, V               *tensor.Tensor
	B, Heads, S, HeadDim int
}

// Slab is the process-wide per-layer batched KV cache for one tick,
// produced by Gather, mutated in place by Pipeline.Forward, and consumed
// by Scatter.
type Slab struct {
	Layers []*BatchedLayerKV
	// PriorLens[i] is scheduled.Seqs[i]'s KV length before this tick (0
	// if its slot was empty, i.e. this is its prompt-ingest tick).
	PriorLens []int
}

// NewSlab allocates an empty Slab for a pipeline with the given number of
// layers. The pipeline owns the returned Slab for its whole lifetime;
// Gather overwrites it every tick.
func NewSlab(numLayers int) *Slab {
	return &Slab{Layers: make([]*BatchedLayerKV, numLayers)}
}

// Marshaller bridges per-sequence KV ownership and the single batched
// tensor shape the model's forward pass operates on.
type Marshaller struct {
	Heads   int
	HeadDim int
}

// NewMarshaller builds a Marshaller for a model with the given per-layer
// head count and head dimension.
func NewMarshaller(heads, headDim int) *Marshaller {
	return &Marshaller{Heads: heads, HeadDim: headDim}
}

// Gather fills the pipeline-owned Slab in place from the scheduled
// sequences' per-layer KV slots, right-padding along the sequence axis so
// every sequence occupies the same S in the batched tensor. This is the
// gather step: the slab is exclusive tick scratch and
// is fully overwritten here. A layer with no sequence holding prior KV
// (e.g. an all-prompt-ingest tick) is left nil; Forward is expected to
// populate it from scratch.
func (m *Marshaller) Gather(seqs []*Sequence, slab *Slab, numLayers int) error {
	slab.Layers = make([]*BatchedLayerKV, numLayers)
	slab.PriorLens = make([]int, len(seqs))
	if len(seqs) == 0 {
		return nil
	}

	maxS := 0
	for i, seq := range seqs {
		if len(seq.KV) != numLayers {
			return fmt.Errorf("sequence %d has %d KV layers, want %d", seq.ID, len(seq.KV), numLayers)
		}
		l := seq.KV[0].SeqLen()
		slab.PriorLens[i] = l
		if l > maxS {
			maxS = l
		}
	}
	if maxS == 0 {
		return nil
	}

	B := len(seqs)
	for l := 0; l < numLayers; l++ {
		kBuf := make([]float32, B*m.Heads*maxS*m.HeadDim)
		vBuf := make([]float32, B*m.Heads*maxS*m.HeadDim)
		for i, seq := range seqs {
			slot := seq.KV[l]
			if slot == nil || slot.K == nil {
				continue
			}
			sLen := slab.PriorLens[i]
			kSrc := slot.K.Floats()
			vSrc := slot.V.Floats()
			for h := 0; h < m.Heads; h++ {
				srcOff := h * sLen * m.HeadDim
				dstOff := ((i*m.Heads + h) * maxS) * m.HeadDim
				copy(kBuf[dstOff:dstOff+sLen*m.HeadDim], kSrc[srcOff:srcOff+sLen*m.HeadDim])
				copy(vBuf[dstOff:dstOff+sLen*m.HeadDim], vSrc[srcOff:srcOff+sLen*m.HeadDim])
			}
		}
		kT, err := tensor.NewFloat32([]int{B, m.Heads, maxS, m.HeadDim}, kBuf)
		if err != nil {
			return fmt.Errorf("gather layer %d: %w", l, err)
		}
		vT, err := tensor.NewFloat32([]int{B, m.Heads, maxS, m.HeadDim}, vBuf)
		if err != nil {
			return fmt.Errorf("gather layer %d: %w", l, err)
		}
		slab.Layers[l] = &BatchedLayerKV{K: kT, V: vT, B: B, Heads: m.Heads, S: maxS, HeadDim: m.HeadDim}
	}
	return nil
}

// Scatter splits each layer's post-forward batched KV back into
// per-sequence slots. It relies on Pipeline.Forward having
// written slab.Layers with every scheduled sequence's new KV, and having
// set each sequence's TickContextSize so the real (unpadded) length of
// its new slot can be recovered.
func (m *Marshaller) Scatter(seqs []*Sequence, slab *Slab) error {
	if len(seqs) == 0 {
		return nil
	}
	for l, layer := range slab.Layers {
		if layer == nil {
			return fmt.Errorf("scatter: layer %d has no post-forward KV", l)
		}
		kSrc := layer.K.Floats()
		vSrc := layer.V.Floats()
		for i, seq := range seqs {
			validLen := slab.PriorLens[i] + seq.TickContextSize
			kBuf := make([]float32, m.Heads*validLen*m.HeadDim)
			vBuf := make([]float32, m.Heads*validLen*m.HeadDim)
			for h := 0; h < m.Heads; h++ {
				srcOff := ((i*m.Heads + h) * layer.S) * m.HeadDim
				dstOff := h * validLen * m.HeadDim
				copy(kBuf[dstOff:dstOff+validLen*m.HeadDim], kSrc[srcOff:srcOff+validLen*m.HeadDim])
				copy(vBuf[dstOff:dstOff+validLen*m.HeadDim], vSrc[srcOff:srcOff+validLen*m.HeadDim])
			}
			kT, err := tensor.NewFloat32([]int{m.Heads, validLen, m.HeadDim}, kBuf)
			if err != nil {
				return fmt.Errorf("scatter seq %d layer %d: %w", seq.ID, l, err)
			}
			vT, err := tensor.NewFloat32([]int{m.Heads, validLen, m.HeadDim}, vBuf)
			if err != nil {
				return fmt.Errorf("scatter seq %d layer %d: %w", seq.ID, l, err)
			}
			seq.KV[l] = &LayerKV{K: kT, V: vT}
		}
	}
	return nil
}
