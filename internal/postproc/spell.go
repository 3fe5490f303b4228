package postproc

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// maxEditDistance bounds both the delete index depth and the verification
// distance. Two edits catches the common dictation slips (transpositions,
// doubled letters, adjacent-key hits) without dragging in unrelated words.
const maxEditDistance = 2

//go:embed words.txt
var embeddedDictionary string

// Spell corrects misrecognised words against a frequency dictionary using a
// symmetric-delete index: every dictionary word is indexed under all of its
// deletes up to distance 2, so lookup only generates deletes of the input
// token instead of the full edit neighbourhood.
//
// Spell is read-only after construction and safe for concurrent use.
type Spell struct {
	words   []string
	freqs   []int64
	byWord  map[string]int
	deletes map[string][]int32
}

var _ Stage = (*Spell)(nil)

// NewSpell builds the corrector from the embedded frequency dictionary.
func NewSpell() (*Spell, error) {
	return NewSpellFromReader(strings.NewReader(embeddedDictionary))
}

// NewSpellFromReader builds the corrector from a "word count" per-line
// dictionary, such as a SymSpell frequency list.
func NewSpellFromReader(r io.Reader) (*Spell, error) {
	s := &Spell{
		byWord:  make(map[string]int),
		deletes: make(map[string][]int32),
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		word := strings.ToLower(fields[0])
		var freq int64 = 1
		if len(fields) > 1 {
			f, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("postproc: dictionary entry %q: %w", sc.Text(), err)
			}
			freq = f
		}
		if _, dup := s.byWord[word]; dup {
			continue
		}
		idx := len(s.words)
		s.words = append(s.words, word)
		s.freqs = append(s.freqs, freq)
		s.byWord[word] = idx
		for del := range deletesOf(word, maxEditDistance) {
			s.deletes[del] = append(s.deletes[del], int32(idx))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("postproc: read dictionary: %w", err)
	}
	if len(s.words) == 0 {
		return nil, fmt.Errorf("postproc: dictionary is empty")
	}
	return s, nil
}

// Name implements Stage.
func (s *Spell) Name() string { return "spell" }

// Apply corrects each whitespace-separated token independently. Tokens of
// length ≤1 or composed of digits/punctuation pass through; attached
// punctuation is stripped for lookup and restored; the original casing
// (all-caps, title-case, lower) is preserved. Only the best suggestion is
// applied. Apply never fails on well-formed input; the error return exists
// for the Stage contract.
func (s *Spell) Apply(_ context.Context, text string) (string, error) {
	if text == "" {
		return text, nil
	}
	// Correct token by token, preserving the original whitespace layout.
	var sb strings.Builder
	rest := text
	for len(rest) > 0 {
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i == 0 {
			r, size := decodeRune(rest)
			sb.WriteRune(r)
			rest = rest[size:]
			continue
		}
		token := rest
		if i > 0 {
			token = rest[:i]
		}
		sb.WriteString(s.correctToken(token))
		rest = rest[len(token):]
	}
	return sb.String(), nil
}

func decodeRune(s string) (rune, int) {
	return utf8.DecodeRuneInString(s)
}

// correctToken applies the lookup to one token.
func (s *Spell) correctToken(token string) string {
	prefix, core, suffix := splitPunct(token)
	if len([]rune(core)) <= 1 || !hasLetter(core) {
		return token
	}

	lower := strings.ToLower(core)
	if _, known := s.byWord[lower]; known {
		return token
	}

	best, ok := s.lookup(lower)
	if !ok {
		return token
	}
	return prefix + matchCase(core, best) + suffix
}

// lookup finds the best dictionary suggestion for a lowercase word: smallest
// verified Damerau-Levenshtein distance, ties broken by frequency.
func (s *Spell) lookup(word string) (string, bool) {
	seen := make(map[int32]struct{})
	bestIdx := -1
	bestDist := maxEditDistance + 1

	consider := func(idx int32) {
		if _, done := seen[idx]; done {
			return
		}
		seen[idx] = struct{}{}
		cand := s.words[idx]
		dist := matchr.DamerauLevenshtein(word, cand)
		if dist > maxEditDistance {
			return
		}
		switch {
		case dist < bestDist:
			bestDist = dist
			bestIdx = int(idx)
		case dist == bestDist && bestIdx >= 0 && s.freqs[idx] > s.freqs[bestIdx]:
			bestIdx = int(idx)
		}
	}

	for del := range deletesOf(word, maxEditDistance) {
		for _, idx := range s.deletes[del] {
			consider(idx)
		}
		if idx, ok := s.byWord[del]; ok {
			consider(int32(idx))
		}
	}

	if bestIdx < 0 {
		return "", false
	}
	return s.words[bestIdx], true
}

// deletesOf returns word plus every variant reachable by deleting up to
// depth characters.
func deletesOf(word string, depth int) map[string]struct{} {
	out := map[string]struct{}{word: {}}
	frontier := []string{word}
	for d := 0; d < depth; d++ {
		var next []string
		for _, w := range frontier {
			runes := []rune(w)
			if len(runes) <= 1 {
				continue
			}
			for i := range runes {
				del := string(runes[:i]) + string(runes[i+1:])
				if _, dup := out[del]; dup {
					continue
				}
				out[del] = struct{}{}
				next = append(next, del)
			}
		}
		frontier = next
	}
	return out
}

// splitPunct separates leading and trailing punctuation from the word core.
func splitPunct(token string) (prefix, core, suffix string) {
	runes := []rune(token)
	start, end := 0, len(runes)
	for start < end && isPunct(runes[start]) {
		start++
	}
	for end > start && isPunct(runes[end-1]) {
		end--
	}
	return string(runes[:start]), string(runes[start:end]), string(runes[end:])
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// matchCase transfers the original token's casing pattern onto the
// suggestion: all-caps, title-case, or lower.
func matchCase(original, suggestion string) string {
	if original == strings.ToUpper(original) && strings.ContainsFunc(original, unicode.IsUpper) {
		return strings.ToUpper(suggestion)
	}
	first, _ := decodeRune(original)
	if unicode.IsUpper(first) {
		sr := []rune(suggestion)
		if len(sr) > 0 {
			sr[0] = unicode.ToUpper(sr[0])
		}
		return string(sr)
	}
	return suggestion
}
