package main

import (
	"regexp"
	"strings"
)

var (
	negationRe    = regexp.MustCompile(`'t`)
	mentionRe     = regexp.MustCompile(`(@.*?)\s`)
	punctuationRe = regexp.MustCompile(`(['"\.\(\)!\?\\/,])`)
	specialRe     = regexp.MustCompile(`[^\p{L}\p{N}_\s?]`)
	separatorRe   = regexp.MustCompile(`[;:|•«»“”\n]`)
)

// Normalize cleans raw text before tokenization:
//  1. lowercase
//  2. 't becomes " not"
//  3. @mentions followed by whitespace are dropped
//  4. punctuation is isolated with spaces
//  5. anything but letters, digits, underscore, whitespace and ? becomes a space
//  6. separator characters become spaces
//  7. stop words are dropped, except "not" and "can"
//  8. whitespace runs collapse to one space and the ends are trimmed
//
// Normalize is idempotent.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = negationRe.ReplaceAllString(s, " not")
	s = mentionRe.ReplaceAllString(s, " ")
	s = punctuationRe.ReplaceAllString(s, " ${1} ")
	s = specialRe.ReplaceAllString(s, " ")
	s = separatorRe.ReplaceAllString(s, " ")
	return removeStopWords(s)
}

// removeStopWords splits on whitespace, so it also collapses and trims.
func removeStopWords(s string) string {
	fields := strings.Fields(s)
	kept := fields[:0]
	for _, w := range fields {
		if !isStopWord(w) {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// NormalizeAll normalizes every text.
func NormalizeAll(texts []string) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = Normalize(t)
	}
	return out
}
