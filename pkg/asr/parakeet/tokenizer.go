package parakeet

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// sentinel pieces in the SentencePiece vocabularies these models ship with.
const (
	wordBoundaryPrefix = "▁"
	eouPiece           = "<eou>"
)

// tokenizer maps model output ids to text. The vocabulary file holds one
// piece per line; the blank label used by transducer and CTC decoding is the
// index one past the last piece.
type tokenizer struct {
	pieces []string
	blank  int
	eouID  int // -1 when the vocabulary has no end-of-utterance piece
}

func loadTokenizer(path string) (*tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parakeet: open vocabulary %q: %w", path, err)
	}
	defer f.Close()

	t := &tokenizer{eouID: -1}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		piece := strings.TrimRight(sc.Text(), "\r\n")
		if piece == eouPiece {
			t.eouID = len(t.pieces)
		}
		t.pieces = append(t.pieces, piece)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("parakeet: read vocabulary %q: %w", path, err)
	}
	if len(t.pieces) == 0 {
		return nil, fmt.Errorf("parakeet: vocabulary %q is empty", path)
	}
	t.blank = len(t.pieces)
	return t, nil
}

// size is the logit dimension covering all pieces plus the blank label.
func (t *tokenizer) size() int { return len(t.pieces) + 1 }

// decode turns an emission sequence into text. SentencePiece word-boundary
// markers become spaces; the end-of-utterance piece is dropped.
func (t *tokenizer) decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.pieces) || id == t.eouID {
			continue
		}
		piece := t.pieces[id]
		if rest, ok := strings.CutPrefix(piece, wordBoundaryPrefix); ok {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(rest)
			continue
		}
		sb.WriteString(piece)
	}
	return strings.TrimSpace(sb.String())
}
