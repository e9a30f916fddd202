// Package config loads model and engine configuration: the model's
// architecture hyperparameters (read from the checkpoint's config.json)
// plus the engine-level knobs that govern batching and default sampling
// behavior.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tessera-ai/contbatch/internal/sampling"
)

// Config holds everything needed to construct an Engine and its
// Pipeline: where the model lives, its architecture, and the batching
// and default-sampling policy layered on top of it.
type Config struct {
	ModelPath string `json:"model_path"`

	// MaxBatch is the most sequences admitted into one tick.
	MaxBatch int `json:"max_batch"`

	// Model architecture, read from <model_path>/config.json.
	VocabSize            int     `json:"vocab_size"`
	HiddenSize           int     `json:"hidden_size"`
	NumHiddenLayers      int     `json:"num_hidden_layers"`
	NumAttentionHeads    int     `json:"num_attention_heads"`
	NumKeyValueHeads     int     `json:"num_key_value_heads"`
	IntermediateSize     int     `json:"intermediate_size"`
	HiddenAct            string  `json:"hidden_act"`
	MaxPositionEmbeddings int    `json:"max_position_embeddings"`
	RMSNormEps           float64 `json:"rms_norm_eps"`
	HeadDim              int     `json:"head_dim"`
	EOSTokenID           uint32  `json:"eos_token_id"`
	RoPETheta            float64 `json:"rope_theta"`

	// DefaultSampling is the engine-wide sampling fallback. Only its TopK
	// is applied to requests (see ApplyDefaults, for a request that sets
	// neither top_k nor top_p); its other fields are not applied.
	DefaultSampling DefaultSamplingConfig `json:"default_sampling"`
}

// DefaultSamplingConfig is the engine-wide sampling policy fallback.
type DefaultSamplingConfig struct {
	Temperature      float64 `json:"temperature"`
	TopK             uint32  `json:"top_k"`
	RepeatPenalty    float32 `json:"repeat_penalty"`
	RepetitionWindow int     `json:"repetition_window"`
}

// LoadConfig loads the engine config, overlaying the model's own
// config.json onto sane engine-level defaults.
func LoadConfig(modelPath string, opts ...Option) (*Config, error) {
	cfg := &Config{
		ModelPath: modelPath,
		MaxBatch:  16,
		DefaultSampling: DefaultSamplingConfig{
			Temperature:      0.7,
			TopK:             50,
			RepeatPenalty:    1.1,
			RepetitionWindow: 64,
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, err
	}

	modelConfigPath := filepath.Join(cfg.ModelPath, "config.json")
	data, err := os.ReadFile(modelConfigPath)
	if err != nil {
		return nil, err
	}
	var modelConfig map[string]interface{}
	if err := json.Unmarshal(data, &modelConfig); err != nil {
		return nil, err
	}

	if v, ok := modelConfig["vocab_size"].(float64); ok {
		cfg.VocabSize = int(v)
	}
	if v, ok := modelConfig["hidden_size"].(float64); ok {
		cfg.HiddenSize = int(v)
	}
	if v, ok := modelConfig["num_hidden_layers"].(float64); ok {
		cfg.NumHiddenLayers = int(v)
	}
	if v, ok := modelConfig["num_attention_heads"].(float64); ok {
		cfg.NumAttentionHeads = int(v)
	}
	if v, ok := modelConfig["num_key_value_heads"].(float64); ok {
		cfg.NumKeyValueHeads = int(v)
	} else {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if v, ok := modelConfig["intermediate_size"].(float64); ok {
		cfg.IntermediateSize = int(v)
	}
	if v, ok := modelConfig["hidden_act"].(string); ok {
		cfg.HiddenAct = v
	}
	if v, ok := modelConfig["max_position_embeddings"].(float64); ok {
		cfg.MaxPositionEmbeddings = int(v)
	}
	if v, ok := modelConfig["rms_norm_eps"].(float64); ok {
		cfg.RMSNormEps = v
	}
	if v, ok := modelConfig["head_dim"].(float64); ok {
		cfg.HeadDim = int(v)
	} else if cfg.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	if v, ok := modelConfig["rope_theta"].(float64); ok {
		cfg.RoPETheta = v
	} else {
		cfg.RoPETheta = 10000.0
	}
	if v, ok := modelConfig["eos_token_id"].(float64); ok {
		cfg.EOSTokenID = uint32(v)
	}

	return cfg, nil
}

// Option customizes a Config during LoadConfig.
type Option func(*Config)

// WithMaxBatch overrides the batch size cap.
func WithMaxBatch(v int) Option {
	return func(c *Config) { c.MaxBatch = v }
}

// WithDefaultTemperature overrides the fallback sampling temperature.
func WithDefaultTemperature(v float64) Option {
	return func(c *Config) { c.DefaultSampling.Temperature = v }
}

// WithDefaultTopK overrides the fallback top_k.
func WithDefaultTopK(v uint32) Option {
	return func(c *Config) { c.DefaultSampling.TopK = v }
}

// WithDefaultRepeatPenalty overrides the fallback repetition penalty.
func WithDefaultRepeatPenalty(v float32) Option {
	return func(c *Config) { c.DefaultSampling.RepeatPenalty = v }
}

// ApplyDefaults fills in the one ambiguous hole a RequestParams can
// leave open: a caller that sets neither top_k nor top_p (distinct from
// Validate's rejection of setting both). Temperature and repeat penalty
// have no ambiguous zero value — 0 temperature already means greedy —
// so a caller wanting the engine defaults for those passes them
// explicitly; only the admission-required top_k/top_p choice benefits
// from a server-side fallback.
func (d DefaultSamplingConfig) ApplyDefaults(r sampling.RequestParams) sampling.RequestParams {
	if r.TopK == nil && r.TopP == nil {
		k := d.TopK
		r.TopK = &k
	}
	return r
}
