package sampling

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func uintp(v uint32) *uint32   { return &v }
func floatp(v float64) *float64 { return &v }

func TestRequestParamsValidate(t *testing.T) {
	cases := []struct {
		name    string
		params  RequestParams
		wantErr bool
	}{
		{"top_k only", RequestParams{TopK: uintp(5)}, false},
		{"top_p only", RequestParams{TopP: floatp(0.9)}, false},
		{"both set", RequestParams{TopK: uintp(5), TopP: floatp(0.9)}, true},
		{"neither set", RequestParams{}, true},
		{"top_p out of range", RequestParams{TopP: floatp(1.5)}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.params.Validate()
			if c.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSampleGreedyIsArgmax(t *testing.T) {
	logits := []float32{0.1, 5.0, 0.3, -1.0}
	st := NewState(Params{Temperature: 0, Method: MethodTopK, TopK: 1}, 1)
	out, err := Sample(logits, nil, st)
	require.NoError(t, err)
	require.EqualValues(t, 1, out.Token)
}

func TestSampleGreedyDeterministic(t *testing.T) {
	logits := []float32{1, 2, 3, 4, 0}
	for i := 0; i < 5; i++ {
		st := NewState(Params{Temperature: 0, Method: MethodTopK, TopK: 1}, 42)
		out, err := Sample(logits, nil, st)
		require.NoError(t, err)
		require.EqualValues(t, 3, out.Token)
	}
}

func TestSampleNaNTemperatureFails(t *testing.T) {
	logits := []float32{1, 2, 3}
	st := NewState(Params{Temperature: nan(), Method: MethodTopK, TopK: 1}, 1)
	_, err := Sample(logits, nil, st)
	require.Error(t, err)
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestSampleMissingMethodFails(t *testing.T) {
	logits := []float32{1, 2, 3}
	st := NewState(Params{Temperature: 1}, 1)
	_, err := Sample(logits, nil, st)
	require.Error(t, err)
}

func TestSampleTopKRestrictsToKHighest(t *testing.T) {
	logits := []float32{10, 1, 1, 1, 1}
	st := NewState(Params{Temperature: 1, Method: MethodTopK, TopK: 1}, 7)
	for i := 0; i < 20; i++ {
		out, err := Sample(logits, nil, st)
		require.NoError(t, err)
		require.EqualValues(t, 0, out.Token)
	}
}

func TestSampleTopPKeepsShortestPrefix(t *testing.T) {
	// One dominant token should always win with a tight top_p.
	logits := []float32{10, -10, -10, -10}
	st := NewState(Params{Temperature: 1, Method: MethodTopP, TopP: 0.5}, 3)
	out, err := Sample(logits, nil, st)
	require.NoError(t, err)
	require.EqualValues(t, 0, out.Token)
}

func TestSampleRepetitionPenaltyShrinksRepeatedToken(t *testing.T) {
	logits := []float32{5, 5, 5, 5}
	history := []uint32{0, 0, 0, 0}
	st := NewState(Params{Temperature: 0, Method: MethodTopK, TopK: 1, RepeatPenalty: 2.0}, 1)
	out, err := Sample(logits, history, st)
	require.NoError(t, err)
	require.NotEqualValues(t, 0, out.Token)
}

func TestSampleTopNLogprobsSortedDescending(t *testing.T) {
	logits := []float32{1, 5, 3, 0}
	st := NewState(Params{Temperature: 1, Method: MethodTopK, TopK: 4, TopNLogprobs: 3}, 9)
	out, err := Sample(logits, nil, st)
	require.NoError(t, err)
	require.Len(t, out.TopN, 3)
	for i := 1; i < len(out.TopN); i++ {
		require.GreaterOrEqual(t, out.TopN[i-1].Logprob, out.TopN[i].Logprob)
	}
	require.EqualValues(t, 1, out.TopN[0].Token)
}
