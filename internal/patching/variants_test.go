package patching

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildVariants(t *testing.T) {
	tests := []struct {
		sentence string
		pair     VerbPair
		prefix   string
		actual   string
		wrong    string
		bad      string
	}{
		{"The dog is happy", VerbPair{"is", "are"}, "The dog ", "is", "are", "The dog are happy"},
		{"The students has finished", VerbPair{"has", "have"}, "The students ", "has", "have", "The students have finished"},
		{"  The dogs were here  ", VerbPair{"was", "were"}, "The dogs ", "were", "was", "The dogs was here"},
		{"The dog does bark", VerbPair{"does", "do"}, "The dog ", "does", "do", "The dog do bark"},
		{"The Dog IS happy", VerbPair{"is", "are"}, "The Dog ", "is", "are", "The Dog are happy"},
		{"is", VerbPair{"is", "are"}, "", "is", "are", "are"},
		// substring matching picks up the "is" inside "This"
		{"This looks blue", VerbPair{"is", "are"}, "Th", "is", "are", "Thare looks blue"},
	}
	for _, tt := range tests {
		t.Run(tt.sentence, func(t *testing.T) {
			v, ok := BuildVariants(tt.sentence)
			require.True(t, ok)
			assert.Equal(t, tt.pair, v.Pair)
			assert.Equal(t, tt.prefix, v.Prefix)
			assert.Equal(t, tt.actual, v.Actual)
			assert.Equal(t, tt.wrong, v.Wrong)
			assert.Equal(t, tt.bad, v.BadSentence)
			assert.True(t, strings.EqualFold(v.Sentence, v.Prefix+v.Actual+v.Suffix))
		})
	}
}

func TestBuildVariantsUnsupported(t *testing.T) {
	for _, s := range []string{"The sky looks blue", "", "   ", "Cats bark"} {
		_, ok := BuildVariants(s)
		assert.False(t, ok, s)
	}
}

func TestBuildVariantsRoundTrip(t *testing.T) {
	for _, s := range []string{
		"The dog is happy",
		"The students has finished",
		"The dog was here",
		"The dog does bark",
	} {
		v, ok := BuildVariants(s)
		require.True(t, ok, s)
		back, ok := BuildVariants(v.BadSentence)
		require.True(t, ok, v.BadSentence)
		assert.Equal(t, v.Pair, back.Pair)
		assert.Equal(t, v.Actual, back.Wrong)
		assert.Equal(t, v.Wrong, back.Actual)
		assert.Equal(t, s, back.BadSentence)
	}
}

func TestSplitsAtLastOccurrence(t *testing.T) {
	v, ok := BuildVariants("The dog is here and the cat is old")
	require.True(t, ok)
	assert.Equal(t, "The dog is here and the cat ", v.Prefix)
	assert.Equal(t, "The dog is here and the cat are old", v.BadSentence)
}

func TestWordBoundaryMatcher(t *testing.T) {
	m := WordBoundaryMatcher{}
	tests := []struct {
		lower, form string
		want        int
	}{
		{"this is it", "is", 5},
		{"this looks blue", "is", -1},
		{"is this", "is", 0},
		{"the dog, is.", "is", 9},
		{"the dogs do bark", "do", 9},
		{"", "is", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Find(tt.lower, tt.form), "%q in %q", tt.form, tt.lower)
	}

	_, ok := BuildVariantsWith(m, "This looks blue")
	assert.False(t, ok)
	v, ok := BuildVariantsWith(m, "This key is old")
	require.True(t, ok)
	assert.Equal(t, "This key are old", v.BadSentence)
}

func TestNewMatcher(t *testing.T) {
	m, err := NewMatcher("")
	require.NoError(t, err)
	assert.IsType(t, SubstringMatcher{}, m)

	m, err = NewMatcher("WORD")
	require.NoError(t, err)
	assert.IsType(t, WordBoundaryMatcher{}, m)

	_, err = NewMatcher("regex")
	assert.Error(t, err)
}

func TestVerbPairJSON(t *testing.T) {
	b, err := VerbPair{"is", "are"}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `["is","are"]`, string(b))

	var p VerbPair
	require.NoError(t, p.UnmarshalJSON([]byte(`["has","have"]`)))
	assert.Equal(t, VerbPair{"has", "have"}, p)
	assert.Equal(t, "have", p.Other("has"))
	assert.Equal(t, "has", p.Other("have"))
}
