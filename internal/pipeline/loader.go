package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tessera-ai/contbatch/internal/config"
)

// ModelPaths is the set of files a Loader resolved for one model. A
// filesystem-backed analogue of a downloaded checkpoint: everything the
// original pulled over HTTP, this reads from a local directory instead
// (no hub client is wired here — see DESIGN.md).
type ModelPaths interface {
	WeightFilenames() []string
	ConfigFilename() string
	TokenizerFilename() string
}

type localModelPaths struct {
	weights   []string
	config    string
	tokenizer string
}

func (p *localModelPaths) WeightFilenames() []string { return p.weights }
func (p *localModelPaths) ConfigFilename() string     { return p.config }
func (p *localModelPaths) TokenizerFilename() string  { return p.tokenizer }

// Loader resolves a model directory into ModelPaths and builds a
// Pipeline from them.
type Loader interface {
	ResolveModel(modelPath string) (ModelPaths, error)
	LoadPipeline(paths ModelPaths, opts ...config.Option) (*MistralPipeline, error)
}

// MistralSpecificConfig carries Mistral-family knobs that do not belong
// on the generic Config type. UseFlashAttn is not load-bearing today —
// internal/layers.Attention has exactly one code path — but is threaded
// through so a future fused-kernel Attention variant has somewhere to
// plug in without another round of plumbing.
type MistralSpecificConfig struct {
	UseFlashAttn bool
}

// MistralLoader loads a local Mistral-architecture checkpoint directory
// (config.json, tokenizer.json, one or more *.safetensors shards).
type MistralLoader struct {
	specific MistralSpecificConfig
}

// NewMistralLoader constructs a MistralLoader.
func NewMistralLoader(specific ...MistralSpecificConfig) *MistralLoader {
	l := &MistralLoader{}
	if len(specific) > 0 {
		l.specific = specific[0]
	}
	return l
}

// ResolveModel lists a model directory's config, tokenizer, and weight
// shard files.
func (l *MistralLoader) ResolveModel(modelPath string) (ModelPaths, error) {
	configPath := filepath.Join(modelPath, "config.json")
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("model config not found: %w", err)
	}
	tokenizerPath := filepath.Join(modelPath, "tokenizer.json")
	if _, err := os.Stat(tokenizerPath); err != nil {
		return nil, fmt.Errorf("tokenizer not found: %w", err)
	}

	entries, err := os.ReadDir(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model directory: %w", err)
	}
	var weights []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".safetensors") {
			weights = append(weights, filepath.Join(modelPath, e.Name()))
		}
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("no .safetensors shards found in %s", modelPath)
	}
	sort.Strings(weights)

	return &localModelPaths{weights: weights, config: configPath, tokenizer: tokenizerPath}, nil
}

// LoadPipeline builds and weight-loads a MistralPipeline from resolved
// paths, using the model directory's own config.json for architecture
// hyperparameters (opts, if any, only override engine-level batching
// knobs that config.json does not carry).
func (l *MistralLoader) LoadPipeline(paths ModelPaths, opts ...config.Option) (*MistralPipeline, error) {
	modelDir := filepath.Dir(paths.ConfigFilename())
	cfg, err := config.LoadConfig(modelDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	p, err := NewMistralPipeline(cfg)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	if err := p.LoadWeights(paths.WeightFilenames(), paths.TokenizerFilename()); err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	return p, nil
}
