package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// RECOMMENDED READING:
//
// - "Japanese and Korean Voice Search" by Schuster, Nakajima (2012), the
//   original WordPiece paper
// - "Google's Neural Machine Translation System" by Wu et al. (2016)

// Special tokens shared with BERT vocabularies.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"

	continuationPrefix = "##"
	maxWordRunes       = 100
)

var (
	// ErrMaxLenTooSmall is returned when a sequence length cannot hold the
	// [CLS] and [SEP] tokens.
	ErrMaxLenTooSmall = errors.New("max length must be at least 2")

	// ErrMissingSpecialToken is returned for vocabularies without the BERT
	// special tokens.
	ErrMissingSpecialToken = errors.New("vocabulary is missing a special token")
)

// EncodedExample is a fixed-length model input.
type EncodedExample struct {
	InputIDs      []int
	AttentionMask []int
	Label         int
	HasLabel      bool
}

// WordPiece is BERT's uncased tokenizer: a basic whitespace and punctuation
// splitter followed by greedy longest-match-first subword lookup.
//
// A WordPiece is immutable after construction and safe for concurrent use.
type WordPiece struct {
	vocab  map[string]int
	tokens []string

	padID, unkID, clsID, sepID int
}

// NewWordPiece builds a tokenizer from tokens ordered by id.
func NewWordPiece(tokens []string) (*WordPiece, error) {
	wp := &WordPiece{
		vocab:  make(map[string]int, len(tokens)),
		tokens: append([]string(nil), tokens...),
	}
	for id, tok := range tokens {
		if _, dup := wp.vocab[tok]; dup {
			return nil, errors.Errorf("duplicate vocabulary entry %q at line %d", tok, id+1)
		}
		wp.vocab[tok] = id
	}

	for _, special := range []struct {
		token string
		id    *int
	}{
		{PadToken, &wp.padID},
		{UnkToken, &wp.unkID},
		{ClsToken, &wp.clsID},
		{SepToken, &wp.sepID},
	} {
		id, ok := wp.vocab[special.token]
		if !ok {
			return nil, errors.Wrap(ErrMissingSpecialToken, special.token)
		}
		*special.id = id
	}
	return wp, nil
}

// LoadVocab reads a BERT vocab.txt: one token per line, id = line number.
func LoadVocab(path string) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening vocabulary")
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	wp, err := NewWordPiece(tokens)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return wp, nil
}

// SaveVocab writes the vocabulary in vocab.txt format.
func (wp *WordPiece) SaveVocab(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating vocabulary file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, tok := range wp.tokens {
		if _, err := fmt.Fprintln(w, tok); err != nil {
			return errors.Wrap(err, "writing vocabulary")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flushing vocabulary")
	}
	return nil
}

// BuildVocab derives a vocabulary from a corpus: the special tokens, every
// character seen together with its ## continuation, then whole words by
// descending frequency until maxSize entries. Characters are always included
// so any word seen in the corpus can be spelled without [UNK].
func BuildVocab(corpus []string, maxSize int) (*WordPiece, error) {
	wordFreq := make(map[string]int)
	chars := make(map[string]bool)
	for _, text := range corpus {
		for _, word := range basicTokenize(text) {
			wordFreq[word]++
			for _, r := range word {
				chars[string(r)] = true
			}
		}
	}

	tokens := []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}
	seen := make(map[string]bool)
	for _, t := range tokens {
		seen[t] = true
	}
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}

	sortedChars := make([]string, 0, len(chars))
	for c := range chars {
		sortedChars = append(sortedChars, c)
	}
	sort.Strings(sortedChars)
	for _, c := range sortedChars {
		add(c)
	}
	for _, c := range sortedChars {
		add(continuationPrefix + c)
	}

	type wordCount struct {
		word  string
		count int
	}
	words := make([]wordCount, 0, len(wordFreq))
	for w, c := range wordFreq {
		words = append(words, wordCount{w, c})
	}
	sort.Slice(words, func(i, j int) bool {
		if words[i].count != words[j].count {
			return words[i].count > words[j].count
		}
		return words[i].word < words[j].word
	})
	for _, wc := range words {
		if len(tokens) >= maxSize {
			break
		}
		add(wc.word)
	}

	return NewWordPiece(tokens)
}

// VocabSize returns the number of tokens.
func (wp *WordPiece) VocabSize() int {
	return len(wp.tokens)
}

// Tokens returns the vocabulary ordered by id.
func (wp *WordPiece) Tokens() []string {
	return append([]string(nil), wp.tokens...)
}

// ID returns the id of token, or the [UNK] id.
func (wp *WordPiece) ID(token string) int {
	if id, ok := wp.vocab[token]; ok {
		return id
	}
	return wp.unkID
}

// Token returns the token string for id.
func (wp *WordPiece) Token(id int) string {
	if id < 0 || id >= len(wp.tokens) {
		return UnkToken
	}
	return wp.tokens[id]
}

// Tokenize splits text into WordPiece tokens.
func (wp *WordPiece) Tokenize(text string) []string {
	var out []string
	for _, word := range basicTokenize(text) {
		out = append(out, wp.wordPieces(word)...)
	}
	return out
}

// wordPieces greedily takes the longest vocabulary prefix, continuing with
// ## pieces. A word that cannot be fully covered becomes [UNK].
func (wp *WordPiece) wordPieces(word string) []string {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []string{UnkToken}
	}

	var pieces []string
	for start := 0; start < len(runes); {
		end := len(runes)
		match := ""
		for ; end > start; end-- {
			candidate := string(runes[start:end])
			if start > 0 {
				candidate = continuationPrefix + candidate
			}
			if _, ok := wp.vocab[candidate]; ok {
				match = candidate
				break
			}
		}
		if match == "" {
			return []string{UnkToken}
		}
		pieces = append(pieces, match)
		start = end
	}
	return pieces
}

// Encode produces [CLS] tokens... [SEP] [PAD]... with exactly maxLen ids.
// Tokens past maxLen-2 are dropped.
func (wp *WordPiece) Encode(text string, maxLen int) (EncodedExample, error) {
	if maxLen < 2 {
		return EncodedExample{}, errors.Wrapf(ErrMaxLenTooSmall, "got %d", maxLen)
	}
	tokens := wp.Tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	ids := make([]int, maxLen)
	mask := make([]int, maxLen)
	ids[0], mask[0] = wp.clsID, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = wp.ID(tok), 1
	}
	n := len(tokens) + 1
	ids[n], mask[n] = wp.sepID, 1
	for i := n + 1; i < maxLen; i++ {
		ids[i] = wp.padID
	}
	return EncodedExample{InputIDs: ids, AttentionMask: mask}, nil
}

// EncodeBatch normalizes and encodes every text.
func (wp *WordPiece) EncodeBatch(texts []string, maxLen int) ([]EncodedExample, error) {
	out := make([]EncodedExample, len(texts))
	for i, text := range texts {
		ex, err := wp.Encode(Normalize(text), maxLen)
		if err != nil {
			return nil, err
		}
		out[i] = ex
	}
	return out, nil
}

// MaxEncodedLen returns the longest encoded length, boundary tokens included,
// of the normalized texts, capped at limit.
func (wp *WordPiece) MaxEncodedLen(texts []string, limit int) int {
	longest := 2
	for _, text := range texts {
		if n := len(wp.Tokenize(Normalize(text))) + 2; n > longest {
			longest = n
		}
	}
	if limit > 0 && longest > limit {
		return limit
	}
	return longest
}

// basicTokenize is BERT's pre-tokenizer for uncased models.
func basicTokenize(text string) []string {
	text = cleanText(text)
	text = isolateCJK(text)

	var words []string
	for _, tok := range strings.Fields(text) {
		tok = stripAccents(strings.ToLower(tok))
		words = append(words, splitPunctuation(tok)...)
	}
	return words
}

// cleanText drops NUL, U+FFFD and control characters and maps all
// whitespace to a plain space.
func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar:
		case isWhitespace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r) || unicode.In(r, unicode.Cf):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || unicode.Is(unicode.Zs, r)
}

func isolateCJK(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isCJK(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isCJK covers the CJK Unified Ideographs blocks. Hiragana, Katakana and
// Hangul are written with spaces and are left alone.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

// stripAccents decomposes to NFD and drops combining marks.
func stripAccents(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFD.String(s) {
		if !unicode.Is(unicode.Mn, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitPunctuation(word string) []string {
	var out []string
	var cur []rune
	for _, r := range word {
		if isPunctuation(r) {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(r))
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

// isPunctuation treats every non-alphanumeric ASCII symbol as punctuation,
// as BERT does, in addition to Unicode P* categories.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}
