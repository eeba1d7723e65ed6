package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"negation", "I don't like it!", "not like"},
		{"cant", "I can't stand it", "can not stand"},
		{"mention", "@user this movie is great", "movie great"},
		{"question mark kept", "Why?", "?"},
		{"punctuation", "I absolutely hate this, worst experience ever", "absolutely hate worst experience ever"},
		{"separators", "good;bad|ugly • “fine”", "good bad ugly fine"},
		{"accents kept", "Café déjà vu", "café déjà vu"},
		{"can kept", "I CAN do it", "can"},
		{"whitespace", "  lots \t of\n\nspace  ", "lots space"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, Normalize(got), "not idempotent")
		})
	}
}

func TestNormalizeAll(t *testing.T) {
	assert.Equal(t, []string{"great", "not good"}, NormalizeAll([]string{"So great!", "isn't good"}))
}

func TestStopWords(t *testing.T) {
	assert.True(t, isStopWord("the"))
	assert.True(t, isStopWord("wouldn't"))
	assert.False(t, isStopWord("not"))
	assert.False(t, isStopWord("can"))
	assert.False(t, isStopWord("movie"))
}
