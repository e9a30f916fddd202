package layers

import (
	"fmt"
	"math"

	"github.com/tessera-ai/contbatch/internal/mathx"
	"github.com/tessera-ai/contbatch/internal/tensor"
)

// Attention is one transformer layer's grouped-query attention block. It
// does not own any KV cache itself: the caller passes in each kv head's
// prior cache (flat, rope-applied) and receives back the cache extended
// by this call's new tokens. That split exists so a batch of sequences
// at different cache lengths can share one Attention value tick to tick
// (the KV marshaller owns the actual storage and padding).
type Attention struct {
	numHeads    int
	headDim     int
	scale       float32
	numKVHeads  int
	qProj       *Linear
	kProj       *Linear
	vProj       *Linear
	oProj       *Linear
	rotaryEmbed *RotaryEmbedding
}

func (a *Attention) SetQWeights(w []float32) error { return a.qProj.LoadWeights(w, nil) }
func (a *Attention) SetKWeights(w []float32) error { return a.kProj.LoadWeights(w, nil) }
func (a *Attention) SetVWeights(w []float32) error { return a.vProj.LoadWeights(w, nil) }
func (a *Attention) SetOWeights(w []float32) error { return a.oProj.LoadWeights(w, nil) }

// NewAttention creates a new attention layer.
func NewAttention(hiddenSize, numHeads, numKVHeads, headDim, maxPosition int, ropeTheta float64) (*Attention, error) {
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	qProj, err := NewLinear(hiddenSize, numHeads*headDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create q projection: %v", err)
	}
	kProj, err := NewLinear(hiddenSize, numKVHeads*headDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create k projection: %v", err)
	}
	vProj, err := NewLinear(hiddenSize, numKVHeads*headDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create v projection: %v", err)
	}
	oProj, err := NewLinear(numHeads*headDim, hiddenSize, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create o projection: %v", err)
	}
	rotaryEmbed, err := NewRotaryEmbedding(headDim, headDim, maxPosition, ropeTheta)
	if err != nil {
		return nil, fmt.Errorf("failed to create rotary embedding: %v", err)
	}

	return &Attention{
		numHeads:    numHeads,
		headDim:     headDim,
		scale:       scale,
		numKVHeads:  numKVHeads,
		qProj:       qProj,
		kProj:       kProj,
		vProj:       vProj,
		oProj:       oProj,
		rotaryEmbed: rotaryEmbed,
	}, nil
}

// Forward runs one sequence's T new tokens through this layer's
// projections, RoPE, and causal attention against priorK/priorV (each
// one flat []float32 of length priorLen*headDim per kv head, nil if
// priorLen is 0) plus the T tokens computed here. positions holds the
// absolute position of each of the T new tokens. It returns the
// attention output after the output projection, [T, hidden], and the extended per-kv-head
// caches (length (priorLen+T)*headDim each), already RoPE-applied, ready
// to be stored back as this sequence's new KV for this layer.
func (a *Attention) Forward(input *tensor.Tensor, positions []int, priorK, priorV [][]float32) (out *tensor.Tensor, newK, newV [][]float32, err error) {
	inShape := input.Shape()
	if len(inShape) != 2 {
		return nil, nil, nil, fmt.Errorf("attention input must be 2D [T, hidden]")
	}
	T := inShape[0]
	if len(positions) != T {
		return nil, nil, nil, fmt.Errorf("positions length %d does not match T %d", len(positions), T)
	}

	q, err := a.qProj.Forward(input)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("q projection failed: %v", err)
	}
	k, err := a.kProj.Forward(input)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("k projection failed: %v", err)
	}
	v, err := a.vProj.Forward(input)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("v projection failed: %v", err)
	}

	qData := q.Data().Data().([]float32) // [T, numHeads*headDim]
	kData := k.Data().Data().([]float32) // [T, numKVHeads*headDim]
	vData := v.Data().Data().([]float32) // [T, numKVHeads*headDim]

	newK = make([][]float32, a.numKVHeads)
	newV = make([][]float32, a.numKVHeads)
	priorLen := 0
	if len(priorK) > 0 {
		priorLen = len(priorK[0]) / a.headDim
	}
	for kv := 0; kv < a.numKVHeads; kv++ {
		newK[kv] = make([]float32, 0, (priorLen+T)*a.headDim)
		newV[kv] = make([]float32, 0, (priorLen+T)*a.headDim)
		if kv < len(priorK) {
			newK[kv] = append(newK[kv], priorK[kv]...)
			newV[kv] = append(newV[kv], priorV[kv]...)
		}
	}

	for t := 0; t < T; t++ {
		p := positions[t]
		if p >= a.rotaryEmbed.maxPosition {
			p = a.rotaryEmbed.maxPosition - 1
		}
		for kv := 0; kv < a.numKVHeads; kv++ {
			kOff := t*a.numKVHeads*a.headDim + kv*a.headDim
			vOff := kOff
			kVec := make([]float32, a.headDim)
			vVec := make([]float32, a.headDim)
			copy(kVec, kData[kOff:kOff+a.headDim])
			copy(vVec, vData[vOff:vOff+a.headDim])
			a.rotaryEmbed.applyRotary(kVec, p)
			newK[kv] = append(newK[kv], kVec...)
			newV[kv] = append(newV[kv], vVec...)
		}
	}

	L := priorLen + T
	headsOut := make([]float32, T*a.numHeads*a.headDim)
	for h := 0; h < a.numHeads; h++ {
		kv := h % a.numKVHeads
		qh := make([]float32, T*a.headDim)
		for t := 0; t < T; t++ {
			p := positions[t]
			if p >= a.rotaryEmbed.maxPosition {
				p = a.rotaryEmbed.maxPosition - 1
			}
			qOff := t*a.numHeads*a.headDim + h*a.headDim
			vec := make([]float32, a.headDim)
			copy(vec, qData[qOff:qOff+a.headDim])
			a.rotaryEmbed.applyRotary(vec, p)
			copy(qh[t*a.headDim:(t+1)*a.headDim], vec)
		}

		kh := newK[kv]
		vh := newV[kv]
		scores := make([]float32, T*L)
		mathx.GemmNT(a.scale, qh, T, a.headDim, kh, L, a.headDim, 0.0, scores)

		for t := 0; t < T; t++ {
			allowed := priorLen + t + 1
			if allowed > L {
				allowed = L
			}
			row := scores[t*L : (t+1)*L]
			for i := allowed; i < L; i++ {
				row[i] = -1e30
			}
			maxV := row[0]
			for i := 1; i < L; i++ {
				if row[i] > maxV {
					maxV = row[i]
				}
			}
			var sum float32
			for i := 0; i < L; i++ {
				row[i] = float32(math.Exp(float64(row[i] - maxV)))
				sum += row[i]
			}
			if sum == 0 {
				sum = 1
			}
			inv := 1 / sum
			for i := 0; i < L; i++ {
				row[i] *= inv
			}
		}

		outH := make([]float32, T*a.headDim)
		mathx.GemmNN(1.0, scores, T, L, vh, L, a.headDim, 0.0, outH)
		for t := 0; t < T; t++ {
			outOff := t*a.numHeads*a.headDim + h*a.headDim
			copy(headsOut[outOff:outOff+a.headDim], outH[t*a.headDim:(t+1)*a.headDim])
		}
	}

	hs, err := tensor.NewFloat32([]int{T, a.numHeads * a.headDim}, headsOut)
	if err != nil {
		return nil, nil, nil, err
	}
	out, err = a.oProj.Forward(hs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("output projection failed: %v", err)
	}
	return out, newK, newV, nil
}
