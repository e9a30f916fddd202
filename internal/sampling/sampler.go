// Package sampling implements the Sampling Unit: turning one logits row
// into a sampled token id plus log-probabilities, honoring temperature,
// top-k XOR top-p, and a repetition penalty over a trailing token window.
package sampling

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Method selects which nucleus/rank filter a Params uses. Exactly one of
// TopK or TopP is meaningful for a given Method.
type Method int

const (
	// methodUnset is the zero value: no filter configured. Sample rejects it.
	methodUnset Method = iota
	MethodTopK
	MethodTopP
)

func (m Method) String() string {
	if m == MethodTopP {
		return "top_p"
	}
	return "top_k"
}

// defaultRepetitionWindow is the trailing window length: only the last W
// tokens of history are scanned for the repetition penalty.
const defaultRepetitionWindow = 64

// Params is a sequence's resolved, admission-validated sampling policy.
type Params struct {
	Temperature      float64
	Method           Method
	TopK             int
	TopP             float64
	TopNLogprobs     int
	RepeatPenalty    float32
	RepetitionWindow int // 0 means defaultRepetitionWindow
}

// RequestParams is the wire-shaped sampling policy from a Request:
// top_k and top_p are optional and mutually exclusive.
type RequestParams struct {
	Temperature   float64
	TopK          *uint32
	TopP          *float64
	TopNLogprobs  uint32
	RepeatPenalty float32
}

// Validate enforces the admission rule that exactly one of top_k/top_p
// must be set.
func (r RequestParams) Validate() error {
	if (r.TopK == nil) == (r.TopP == nil) {
		return fmt.Errorf("sampling params must set exactly one of top_k or top_p")
	}
	if r.TopP != nil && (*r.TopP <= 0 || *r.TopP > 1) {
		return fmt.Errorf("top_p must be in (0, 1], got %v", *r.TopP)
	}
	return nil
}

// Resolve converts the wire-shaped params into the internal Params used
// by Sample. Call only after Validate has passed.
func (r RequestParams) Resolve() Params {
	p := Params{
		Temperature:   r.Temperature,
		TopNLogprobs:  int(r.TopNLogprobs),
		RepeatPenalty: r.RepeatPenalty,
	}
	if r.TopK != nil {
		p.Method = MethodTopK
		p.TopK = int(*r.TopK)
	} else {
		p.Method = MethodTopP
		p.TopP = *r.TopP
	}
	return p
}

// State is the per-sequence owned sampler state: its RNG and resolved
// policy. Each sequence owns one, so reproducibility never depends on how
// sequences happen to be packed into ticks together.
type State struct {
	Params Params
	rng    *rand.Rand
}

// NewState seeds a fresh per-sequence RNG. Two States built from the same
// seed and driven with identical logits produce identical draws.
func NewState(params Params, seed int64) *State {
	return &State{Params: params, rng: rand.New(rand.NewSource(seed))}
}

// TokenLogprob is one entry of the top-N alternatives reported alongside
// the sampled token. Text is left empty by Sample — the Sampling Unit has
// no tokenizer — and is filled in by the Pipeline layer, which owns the
// tokenizer needed to produce detokenized logprob labels.
type TokenLogprob struct {
	Token   uint32
	Text    string
	Logprob float64
}

// Logprobs is the Sampling Unit's output: the sampled token, its log
// probability, and up to TopNLogprobs alternatives sorted descending.
type Logprobs struct {
	Token   uint32
	Text    string
	Logprob float64
	TopN    []TokenLogprob
}

// Sample runs the five-step sampling algorithm against one logits row.
// history is the sequence's token history so far, used for the
// repetition penalty window. Returns an error (and no token) on NaN
// temperature or an unset filter method — both are supposed to be
// impossible post-admission, but Sample re-checks rather than trusting
// that invariant blindly.
func Sample(logits []float32, history []uint32, st *State) (Logprobs, error) {
	if math.IsNaN(st.Params.Temperature) {
		return Logprobs{}, fmt.Errorf("sampling failed: temperature is NaN")
	}
	if st.Params.Method != MethodTopK && st.Params.Method != MethodTopP {
		return Logprobs{}, fmt.Errorf("sampling failed: no top_k or top_p filter configured")
	}

	row := make([]float32, len(logits))
	copy(row, logits)

	if st.Params.RepeatPenalty != 0 && st.Params.RepeatPenalty != 1.0 {
		applyRepetitionPenalty(row, history, st.Params.RepeatPenalty, repetitionWindow(st.Params))
	}

	greedy := st.Params.Temperature <= 0

	probs := make([]float64, len(row))
	if greedy {
		softmax64(row, 1.0, probs)
	} else {
		softmax64(row, st.Params.Temperature, probs)
	}

	full := make([]float64, len(probs))
	copy(full, probs)

	var token uint32
	if greedy {
		token = argmax(row)
	} else {
		switch st.Params.Method {
		case MethodTopK:
			filterTopK(probs, st.Params.TopK)
		case MethodTopP:
			filterTopP(probs, st.Params.TopP)
		}
		renormalize(probs)
		token = categoricalDraw(probs, st.rng)
	}

	out := Logprobs{
		Token:   token,
		Logprob: math.Log(full[token]),
	}
	if st.Params.TopNLogprobs > 0 {
		out.TopN = topNLogprobs(full, st.Params.TopNLogprobs)
	}
	return out, nil
}

func repetitionWindow(p Params) int {
	if p.RepetitionWindow > 0 {
		return p.RepetitionWindow
	}
	return defaultRepetitionWindow
}

// applyRepetitionPenalty penalizes repeats: for every token id
// appearing in the last W tokens of history, a positive logit is divided
// by the penalty factor and a non-positive one is multiplied by it.
func applyRepetitionPenalty(logits []float32, history []uint32, penalty float32, window int) {
	start := 0
	if len(history) > window {
		start = len(history) - window
	}
	seen := make(map[uint32]struct{}, len(history)-start)
	for _, tok := range history[start:] {
		seen[tok] = struct{}{}
	}
	for tok := range seen {
		if int(tok) < 0 || int(tok) >= len(logits) {
			continue
		}
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}

// softmax64 computes softmax(logits/temperature) into out, in float64 for
// logprob precision.
func softmax64(logits []float32, temperature float64, out []float64) {
	maxV := float64(logits[0]) / temperature
	for _, v := range logits[1:] {
		if scaled := float64(v) / temperature; scaled > maxV {
			maxV = scaled
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v)/temperature - maxV)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
}

// argmax returns the highest-logit token id, ties broken by ascending id.
func argmax(logits []float32) uint32 {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return uint32(best)
}

// filterTopK keeps the k highest-probability entries (ties broken by
// ascending token id), zeroing the rest.
func filterTopK(probs []float64, k int) {
	if k <= 0 || k >= len(probs) {
		return
	}
	idx := sortedIndicesDesc(probs)
	keep := make(map[int]struct{}, k)
	for _, i := range idx[:k] {
		keep[i] = struct{}{}
	}
	for i := range probs {
		if _, ok := keep[i]; !ok {
			probs[i] = 0
		}
	}
}

// filterTopP keeps the shortest prefix (sorted descending) whose
// cumulative mass reaches p, zeroing the rest.
func filterTopP(probs []float64, p float64) {
	idx := sortedIndicesDesc(probs)
	var cum float64
	cutoff := len(idx)
	for i, id := range idx {
		cum += probs[id]
		if cum >= p {
			cutoff = i + 1
			break
		}
	}
	for i, id := range idx {
		if i >= cutoff {
			probs[id] = 0
		}
	}
}

func renormalize(probs []float64) {
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		return
	}
	inv := 1 / sum
	for i := range probs {
		probs[i] *= inv
	}
}

// sortedIndicesDesc returns token indices sorted by probability
// descending, ties broken by ascending token id.
func sortedIndicesDesc(probs []float64) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		if probs[idx[i]] != probs[idx[j]] {
			return probs[idx[i]] > probs[idx[j]]
		}
		return idx[i] < idx[j]
	})
	return idx
}

// categoricalDraw samples one index from a (renormalized) categorical
// distribution using the sequence's own RNG.
func categoricalDraw(probs []float64, rng *rand.Rand) uint32 {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return uint32(i)
		}
	}
	return uint32(len(probs) - 1)
}

func topNLogprobs(probs []float64, n int) []TokenLogprob {
	idx := sortedIndicesDesc(probs)
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]TokenLogprob, n)
	for i := 0; i < n; i++ {
		out[i] = TokenLogprob{Token: uint32(idx[i]), Logprob: math.Log(probs[idx[i]])}
	}
	return out
}
