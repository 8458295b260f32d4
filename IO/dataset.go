package IO

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

// Pair is one parallel sentence pair as read from the data file.
type Pair struct {
	Src string
	Tgt string
}

// LoadPairs reads a tab-separated bilingual file, one "source<TAB>target"
// pair per line. Blank and malformed lines are skipped.
func LoadPairs(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pairs []Pair
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		pairs = append(pairs, Pair{Src: parts[0], Tgt: parts[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%s: no usable pairs", path)
	}
	return pairs, nil
}

// SplitPairs shuffles with the given seed and carves off the validation
// fraction. The seed makes the split reproducible across runs, which
// checkpoint resumption depends on.
func SplitPairs(pairs []Pair, valFrac float64, seed int64) (train, val []Pair) {
	shuffled := make([]Pair, len(pairs))
	copy(shuffled, pairs)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	nVal := int(float64(len(shuffled)) * valFrac)
	if nVal < 1 && len(shuffled) > 1 {
		nVal = 1
	}
	return shuffled[nVal:], shuffled[:nVal]
}

// Example is one teacher-forcing training triple. EncInput is
// bos+src+eos, DecInput is bos+tgt, Label is tgt+eos: the label at position
// i is the token DecInput should predict at position i.
type Example struct {
	EncInput []int
	DecInput []int
	Label    []int
}

// MakeExample tokenizes a pair and frames it with sequence markers.
func MakeExample(srcTok, tgtTok *Tokenizer, p Pair, seqLen int) (Example, error) {
	src, err := srcTok.Encode(p.Src)
	if err != nil {
		return Example{}, err
	}
	tgt, err := tgtTok.Encode(p.Tgt)
	if err != nil {
		return Example{}, err
	}
	return FrameExample(src, tgt, srcTok.BosID(), srcTok.EosID(), tgtTok.BosID(), tgtTok.EosID(), seqLen), nil
}

// FrameExample builds the teacher-forcing triple from raw token runs. Runs
// that would overflow seqLen once markers are added are truncated so the
// markers always fit; a run that fits exactly is left untouched. The encoder
// side carries both markers, the decoder side one each.
func FrameExample(src, tgt []int, srcBos, srcEos, tgtBos, tgtEos, seqLen int) Example {
	if max := seqLen - 2; len(src) > max {
		src = src[:max]
	}
	if max := seqLen - 1; len(tgt) > max {
		tgt = tgt[:max]
	}

	enc := make([]int, 0, len(src)+2)
	enc = append(enc, srcBos)
	enc = append(enc, src...)
	enc = append(enc, srcEos)

	dec := make([]int, 0, len(tgt)+1)
	dec = append(dec, tgtBos)
	dec = append(dec, tgt...)

	lab := make([]int, 0, len(tgt)+1)
	lab = append(lab, tgt...)
	lab = append(lab, tgtEos)

	return Example{EncInput: enc, DecInput: dec, Label: lab}
}

// PadBatch pads every example in the batch to the batch's own maximum
// lengths, so short batches never pay for the global sequence limit.
func PadBatch(batch []Example, srcPad, tgtPad int) {
	maxEnc, maxDec := 0, 0
	for _, ex := range batch {
		if len(ex.EncInput) > maxEnc {
			maxEnc = len(ex.EncInput)
		}
		if len(ex.DecInput) > maxDec {
			maxDec = len(ex.DecInput)
		}
	}
	for i := range batch {
		batch[i].EncInput = padTo(batch[i].EncInput, maxEnc, srcPad)
		batch[i].DecInput = padTo(batch[i].DecInput, maxDec, tgtPad)
		batch[i].Label = padTo(batch[i].Label, maxDec, tgtPad)
	}
}

func padTo(ids []int, n, pad int) []int {
	for len(ids) < n {
		ids = append(ids, pad)
	}
	return ids
}

// CorpusSides splits the pairs into the two monolingual corpora used for
// tokenizer training.
func CorpusSides(pairs []Pair) (src, tgt []string) {
	src = make([]string, len(pairs))
	tgt = make([]string, len(pairs))
	for i, p := range pairs {
		src[i] = p.Src
		tgt[i] = p.Tgt
	}
	return src, tgt
}
