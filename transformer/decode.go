package transformer

import (
	"github.com/seq2seq/utils"
)

// GreedyDecode encodes srcIDs once, then repeatedly decodes the target so
// far and appends the argmax of the last position's logits, until eos is
// produced or maxLen tokens have been generated. The returned ids exclude
// bos and eos; terminated reports whether eos was actually reached, so a
// capped run is distinguishable from a finished one.
func (t *Transformer) GreedyDecode(srcIDs []int, bos, eos, srcPad, tgtPad, maxLen int) (ids []int, terminated bool, err error) {
	// the positional table bounds how far the target can grow
	if maxLen > t.SeqLen-1 {
		maxLen = t.SeqLen - 1
	}

	srcMask := utils.PaddingMask(srcIDs, srcPad, len(srcIDs))
	memory, err := t.Encode(srcIDs, srcMask, false)
	if err != nil {
		return nil, false, err
	}

	tgt := []int{bos}
	for len(tgt)-1 < maxLen {
		// the two vocabularies have independent pad ids; a generated
		// target token that collides with the source pad must stay visible
		tgtMask := utils.AddMasks(utils.CausalMask(len(tgt)), utils.PaddingMask(tgt, tgtPad, len(tgt)))
		crossMask := utils.PaddingMask(srcIDs, srcPad, len(tgt))
		Y, err := t.Decode(tgt, memory, crossMask, tgtMask, false)
		if err != nil {
			return nil, false, err
		}
		logits := t.Project(utils.LastCol(Y))
		next := utils.Argmax(logits)
		if next == eos {
			return tgt[1:], true, nil
		}
		tgt = append(tgt, next)
	}
	return tgt[1:], false, nil
}
