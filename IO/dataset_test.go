package IO

import (
	"os"
	"path/filepath"
	"testing"
)

func writePairsFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairs.tsv")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPairsSkipsMalformedLines(t *testing.T) {
	path := writePairsFile(t, "hello\tciao\n\nno tab here\n\tmissing source\nworld\tmondo\n")
	pairs, err := LoadPairs(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 2 {
		t.Fatalf("loaded %d pairs, want 2", len(pairs))
	}
	if pairs[0].Src != "hello" || pairs[0].Tgt != "ciao" {
		t.Fatalf("first pair %+v", pairs[0])
	}
	if pairs[1].Src != "world" || pairs[1].Tgt != "mondo" {
		t.Fatalf("second pair %+v", pairs[1])
	}
}

func TestLoadPairsEmptyFile(t *testing.T) {
	path := writePairsFile(t, "\n\n")
	if _, err := LoadPairs(path); err == nil {
		t.Fatal("expected error for a file with no usable pairs")
	}
}

func TestSplitPairsDeterministic(t *testing.T) {
	pairs := make([]Pair, 20)
	for i := range pairs {
		pairs[i] = Pair{Src: string(rune('a' + i)), Tgt: string(rune('A' + i))}
	}

	tr1, v1 := SplitPairs(pairs, 0.1, 42)
	tr2, v2 := SplitPairs(pairs, 0.1, 42)
	if len(v1) != 2 || len(tr1) != 18 {
		t.Fatalf("split sizes %d/%d, want 18/2", len(tr1), len(v1))
	}
	for i := range tr1 {
		if tr1[i] != tr2[i] {
			t.Fatal("same seed must reproduce the same split")
		}
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatal("same seed must reproduce the same validation set")
		}
	}

	_, v3 := SplitPairs(pairs, 0.0, 42)
	if len(v3) != 1 {
		t.Fatalf("zero fraction still keeps one validation pair, got %d", len(v3))
	}
}

func TestFrameExampleShapes(t *testing.T) {
	const (
		bosS, eosS = 1, 2
		bosT, eosT = 1, 2
	)
	ex := FrameExample([]int{10, 11}, []int{20, 21, 22}, bosS, eosS, bosT, eosT, 16)

	wantEnc := []int{bosS, 10, 11, eosS}
	wantDec := []int{bosT, 20, 21, 22}
	wantLab := []int{20, 21, 22, eosT}
	assertIDs(t, "EncInput", ex.EncInput, wantEnc)
	assertIDs(t, "DecInput", ex.DecInput, wantDec)
	assertIDs(t, "Label", ex.Label, wantLab)
}

// Boundary behavior: a run that fits with its markers is untouched, one
// token more gets truncated to the same framed length.
func TestFrameExampleLengthBoundary(t *testing.T) {
	seqLen := 8
	exact := make([]int, seqLen-2)
	over := make([]int, seqLen-1)
	for i := range over {
		over[i] = 10 + i
	}
	copy(exact, over)

	exExact := FrameExample(exact, exact, 1, 2, 1, 2, seqLen)
	if len(exExact.EncInput) != seqLen {
		t.Fatalf("exact-fit encoder input length %d, want %d", len(exExact.EncInput), seqLen)
	}
	if exExact.EncInput[seqLen-1] != 2 {
		t.Fatal("exact-fit encoder input must end with eos")
	}

	exOver := FrameExample(over, over, 1, 2, 1, 2, seqLen)
	if len(exOver.EncInput) != seqLen {
		t.Fatalf("overlong encoder input length %d, want %d", len(exOver.EncInput), seqLen)
	}
	if exOver.EncInput[seqLen-1] != 2 {
		t.Fatal("truncated encoder input must still end with eos")
	}
	// decoder side keeps room for one marker
	if len(exOver.DecInput) != seqLen || len(exOver.Label) != seqLen {
		t.Fatalf("decoder/label lengths %d/%d, want %d", len(exOver.DecInput), len(exOver.Label), seqLen)
	}
	if exOver.Label[seqLen-1] != 2 {
		t.Fatal("truncated label must still end with eos")
	}
}

func TestPadBatch(t *testing.T) {
	batch := []Example{
		{EncInput: []int{1, 10, 2}, DecInput: []int{1, 20}, Label: []int{20, 2}},
		{EncInput: []int{1, 10, 11, 12, 2}, DecInput: []int{1, 20, 21, 22}, Label: []int{20, 21, 22, 2}},
	}
	PadBatch(batch, 0, 9)

	if len(batch[0].EncInput) != 5 {
		t.Fatalf("encoder input padded to %d, want batch max 5", len(batch[0].EncInput))
	}
	assertIDs(t, "padded EncInput", batch[0].EncInput, []int{1, 10, 2, 0, 0})
	assertIDs(t, "padded DecInput", batch[0].DecInput, []int{1, 20, 9, 9})
	assertIDs(t, "padded Label", batch[0].Label, []int{20, 2, 9, 9})

	// the longest example is untouched
	assertIDs(t, "long EncInput", batch[1].EncInput, []int{1, 10, 11, 12, 2})
}

func assertIDs(t *testing.T, name string, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s length %d, want %d", name, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s[%d] = %d, want %d (got %v)", name, i, got[i], want[i], got)
		}
	}
}
