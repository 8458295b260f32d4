package params

import (
	"encoding/json"
	"fmt"
	"os"
)

// TrainingConfig holds every knob the model and training loop depend on.
// Defaults follow the paper where the paper has an opinion (DModel 512,
// Layers 6, NumHeads 8, DFF 2048, Dropout 0.1).
type TrainingConfig struct {
	// Core transformer parameters
	DModel   int // model width
	DFF      int // feed-forward inner width
	NumHeads int // attention heads; must divide DModel
	Layers   int // encoder and decoder depth
	SeqLen   int // max sequence length (source and target)
	Dropout  float64

	// Optimization
	LR          float64 // base learning rate
	WarmupSteps int     // linear warmup steps
	DecaySteps  int     // cosine decay steps after warmup (0 = none)
	AdamBeta1   float64
	AdamBeta2   float64
	AdamEps     float64
	GradClip    float64 // <=0 disables
	WeightDecay float64 // AdamW-style; 0 disables

	MaxEpochs int
	BatchSize int
	ValFrac   float64 // fraction of pairs held out for validation
	Seed      int64   // base RNG seed; per-epoch shuffles derive from it

	// Data and tokenizers
	DataFile      string // TSV file: source<TAB>target per line
	LangSrc       string
	LangTgt       string
	VocabSize     int
	TokenizerFile string // pattern with one %s for the language code

	// Checkpointing
	ModelFolder    string
	ModelBasename  string
	Preload        string // "latest" or "" for fresh start
	SaveEverySteps int    // mid-epoch checkpoint every N optimizer steps (0=disable)

	// Inference
	MaxDecodeLen int // cap on generated tokens; 0 means SeqLen

	// Validation sampling
	ValExamples int // pairs to greedy-decode after each epoch
}

var Config = TrainingConfig{
	DModel:   512,
	DFF:      2048,
	NumHeads: 8,
	Layers:   6,
	SeqLen:   350,
	Dropout:  0.1,

	LR:          1e-4,
	WarmupSteps: 4000,
	DecaySteps:  0,
	AdamBeta1:   0.9,
	AdamBeta2:   0.999,
	AdamEps:     1e-9,
	GradClip:    1.0,
	WeightDecay: 0.0,

	MaxEpochs: 40,
	BatchSize: 8,
	ValFrac:   0.1,
	Seed:      1337,

	DataFile:      "data/train.tsv",
	LangSrc:       "en",
	LangTgt:       "it",
	VocabSize:     8192,
	TokenizerFile: "data/tokenizer_%s.json",

	ModelFolder:    "weights",
	ModelBasename:  "tmodel_",
	Preload:        "latest",
	SaveEverySteps: 0,

	MaxDecodeLen: 0,
	ValExamples:  2,
}

// LoadConfig overlays Config with values from a JSON file. Fields absent
// from the file keep their defaults.
func LoadConfig(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &Config); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return Config.Validate()
}

// Validate rejects architecture hyperparameters the model cannot be built
// from. Called once at startup; everything downstream may assume a valid
// config.
func (c *TrainingConfig) Validate() error {
	if c.DModel <= 0 || c.DFF <= 0 || c.Layers <= 0 || c.SeqLen <= 0 {
		return fmt.Errorf("config: DModel/DFF/Layers/SeqLen must be positive")
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("config: NumHeads must be positive")
	}
	if c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("config: NumHeads %d does not divide DModel %d", c.NumHeads, c.DModel)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("config: Dropout %.3f outside [0,1)", c.Dropout)
	}
	if c.BatchSize <= 0 || c.MaxEpochs <= 0 {
		return fmt.Errorf("config: BatchSize/MaxEpochs must be positive")
	}
	return nil
}

// DecodeLimit is the generation cap for greedy decoding.
func (c *TrainingConfig) DecodeLimit() int {
	if c.MaxDecodeLen > 0 {
		return c.MaxDecodeLen
	}
	return c.SeqLen
}
