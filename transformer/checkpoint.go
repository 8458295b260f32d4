package transformer

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/seq2seq/utils"
)

// ErrCheckpointCorrupt marks a checkpoint file that exists but cannot be
// decoded. Training recovers by falling back to fresh initialization.
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// Checkpoint is a full training snapshot: model parameters with their Adam
// state, plus the position in the epoch/batch/step space, so an interrupted
// run resumes exactly where the snapshot was taken.
type Checkpoint struct {
	Model        *Transformer
	Epoch        int // epoch the run was in when saved
	BatchInEpoch int // next batch index within Epoch
	GlobalStep   int // optimizer steps taken so far
}

// SaveCheckpoint writes atomically: the gob bytes go to a temp file in the
// same directory, which is renamed into place. A crash mid-write leaves the
// previous checkpoint (or nothing) visible, never a torn file.
func SaveCheckpoint(dir, basename string, ck *Checkpoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ck); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s%08d.gob", basename, ck.GlobalStep)
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// LatestCheckpointPath finds the newest checkpoint by sorted filename, the
// way the weights folder has always been scanned. Empty string when none
// exists.
func LatestCheckpointPath(dir, basename string) string {
	matches, err := filepath.Glob(filepath.Join(dir, basename+"*.gob"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}

// LoadCheckpoint reads and decodes one checkpoint file. Decode failures are
// reported as ErrCheckpointCorrupt so the caller can distinguish a bad file
// from a missing one.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ck Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ck); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrCheckpointCorrupt)
	}
	if ck.Model == nil {
		return nil, fmt.Errorf("%s: no model payload: %w", path, ErrCheckpointCorrupt)
	}
	return &ck, nil
}

// InspectCheckpoint prints the counters and every parameter tensor's shape
// and norm, for eyeballing what a weights file actually holds.
func InspectCheckpoint(path string) error {
	ck, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: epoch=%d batch=%d step=%d\n", path, ck.Epoch, ck.BatchInEpoch, ck.GlobalStep)
	fmt.Printf("dModel=%d seqLen=%d srcVocab=%d tgtVocab=%d encoder layers=%d decoder layers=%d\n",
		ck.Model.DModel, ck.Model.SeqLen, ck.Model.SrcVocab, ck.Model.TgtVocab,
		len(ck.Model.Enc.Layers), len(ck.Model.Dec.Layers))
	total := 0
	for i, p := range ck.Model.Params() {
		r, c := p.W.Dims()
		total += r * c
		fmt.Printf("  param[%03d] (%dx%d) norm=%.6g adamSteps=%d\n", i, r, c, utils.MatrixNorm(p.W), p.StepCount())
	}
	fmt.Printf("total parameters: %d\n", total)
	return nil
}
