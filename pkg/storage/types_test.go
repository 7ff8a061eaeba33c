package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  ContextKey
		want string
	}{
		{"start", StartKey(), " "},
		{"first word", NewContextKey(EndOfSequence(), Word("the")), " the"},
		{"pair", NewContextKey(Word("the"), Word("cat")), "the cat"},
		{"trailing sentinel", NewContextKey(Word("cat"), EndOfSequence()), "cat "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())

			parsed, err := ParseContextKey(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.key, parsed)
		})
	}
}

func TestParseContextKey_Invalid(t *testing.T) {
	for _, text := range []string{"", "single", "a b c"} {
		_, err := ParseContextKey(text)
		assert.ErrorIs(t, err, ErrInvalidKey, text)
	}
}

func TestContextKey_ShiftAndWords(t *testing.T) {
	k := StartKey().Shift(Word("the"))
	assert.Equal(t, []string{"the"}, k.Words())

	k = k.Shift(Word("cat"))
	assert.Equal(t, NewContextKey(Word("the"), Word("cat")), k)
	assert.Equal(t, []string{"the", "cat"}, k.Words())
}

func TestToken(t *testing.T) {
	assert.True(t, EndOfSequence().IsEnd())
	assert.False(t, Word("end").IsEnd())
	assert.NotEqual(t, EndOfSequence(), Word(""))
	assert.Equal(t, "<end>", EndOfSequence().String())
	assert.Equal(t, "", EndOfSequence().Text())

	assert.NoError(t, Word("ok").Validate())
	assert.NoError(t, EndOfSequence().Validate())
	assert.ErrorIs(t, Word("").Validate(), ErrInvalidToken)
	assert.ErrorIs(t, Word("tab\there").Validate(), ErrInvalidToken)
}

func TestSuccessorList_CopyOps(t *testing.T) {
	list := SuccessorList{Word("a"), EndOfSequence(), Word("b"), EndOfSequence()}

	stripped := list.Without(EndOfSequence())
	assert.Equal(t, SuccessorList{Word("a"), Word("b")}, stripped)
	assert.Len(t, list, 4, "Without must not modify the receiver")

	one, ok := list.RemoveOne(EndOfSequence())
	assert.True(t, ok)
	assert.Equal(t, SuccessorList{Word("a"), Word("b"), EndOfSequence()}, one)
	assert.Len(t, list, 4, "RemoveOne must not modify the receiver")

	same, ok := list.RemoveOne(Word("zzz"))
	assert.False(t, ok)
	assert.Equal(t, list, same)

	clone := list.Clone()
	clone[0] = Word("changed")
	assert.Equal(t, Word("a"), list[0])
	assert.Nil(t, SuccessorList(nil).Clone())
}
