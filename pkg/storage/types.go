// Package storage provides the chain store interface and implementations for MarkovDB.
//
// The storage layer persists an order-2 word-transition model: every context
// (the two most recently seen words) maps to the ordered list of words that
// were observed to follow it. Lists are append-only and keep duplicates, so a
// word seen N times is N times as likely to be picked during generation.
//
// Design Principles:
//   - Sorted key order so prefix scans can start near a seed
//   - End-of-sequence is a tagged token, never a reserved word
//   - Single writer, concurrent readers
//   - Testability through the ChainStore interface
//
// Example Usage:
//
//	store, err := storage.NewBadgerStore("./data/chain")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	key := storage.NewContextKey(storage.Word("the"), storage.Word("cat"))
//	store.Append(key, storage.Word("sat"))
//	store.Append(key, storage.EndOfSequence())
//
//	succ, _ := store.Get(key)
//	fmt.Println(succ) // [sat <end>]
package storage

import (
	"errors"
	"strings"
	"unicode"
)

// Common errors
var (
	ErrStorageClosed = errors.New("storage closed")
	ErrInvalidToken  = errors.New("invalid token: words must be non-empty and contain no whitespace")
	ErrInvalidKey    = errors.New("invalid context key")
)

// keySeparator joins the two halves of a context key.
const keySeparator = " "

// Token is a single element of the chain: either an observed word or the
// end-of-sequence sentinel.
//
// Token is a tagged value rather than a reserved string, so a user typing a
// word like "nonword" can never be confused with the boundary marker.
//
// Example:
//
//	w := storage.Word("hello")
//	end := storage.EndOfSequence()
//	w.IsEnd()   // false
//	end.IsEnd() // true
type Token struct {
	word string
	end  bool
}

// Word returns a token for an observed word.
func Word(w string) Token {
	return Token{word: w}
}

// EndOfSequence returns the sentinel token. As a context half it means "no
// word here" (line boundary); as a successor it means "a sequence may end here".
func EndOfSequence() Token {
	return Token{end: true}
}

// IsEnd reports whether t is the sentinel.
func (t Token) IsEnd() bool {
	return t.end
}

// Text returns the word, or "" for the sentinel.
func (t Token) Text() string {
	if t.end {
		return ""
	}
	return t.word
}

// String implements fmt.Stringer.
func (t Token) String() string {
	if t.end {
		return "<end>"
	}
	return t.word
}

// Validate checks that the token can be stored and round-tripped through a key.
func (t Token) Validate() error {
	if t.end {
		return nil
	}
	if t.word == "" || strings.IndexFunc(t.word, unicode.IsSpace) >= 0 {
		return ErrInvalidToken
	}
	return nil
}

// ContextKey is the ordered pair of the two most recently seen tokens.
//
// Keys serialize to "<word1> <word2>" with the sentinel rendered as the
// empty string. Because words are never empty and never contain whitespace,
// the serialized form is unambiguous:
//
//	(<end>, <end>) -> " "
//	(<end>, the)   -> " the"
//	(the, cat)     -> "the cat"
//
// Ordering and prefix comparison are byte-wise and case-sensitive over the
// serialized form.
type ContextKey struct {
	First  Token
	Second Token
}

// NewContextKey builds a key from two tokens.
func NewContextKey(first, second Token) ContextKey {
	return ContextKey{First: first, Second: second}
}

// StartKey is the context every learned line begins from.
func StartKey() ContextKey {
	return ContextKey{First: EndOfSequence(), Second: EndOfSequence()}
}

// String returns the serialized key text.
func (k ContextKey) String() string {
	return k.First.Text() + keySeparator + k.Second.Text()
}

// Shift returns the context that follows k once next has been emitted.
func (k ContextKey) Shift(next Token) ContextKey {
	return ContextKey{First: k.Second, Second: next}
}

// Words returns the non-sentinel halves of the key in order.
func (k ContextKey) Words() []string {
	words := make([]string, 0, 2)
	if !k.First.IsEnd() {
		words = append(words, k.First.Text())
	}
	if !k.Second.IsEnd() {
		words = append(words, k.Second.Text())
	}
	return words
}

// Validate checks both halves.
func (k ContextKey) Validate() error {
	if err := k.First.Validate(); err != nil {
		return err
	}
	return k.Second.Validate()
}

// ParseContextKey parses serialized key text back into a ContextKey.
func ParseContextKey(text string) (ContextKey, error) {
	first, second, ok := strings.Cut(text, keySeparator)
	if !ok || strings.Contains(second, keySeparator) {
		return ContextKey{}, ErrInvalidKey
	}
	return ContextKey{First: tokenFromText(first), Second: tokenFromText(second)}, nil
}

func tokenFromText(s string) Token {
	if s == "" {
		return EndOfSequence()
	}
	return Word(s)
}

// SuccessorList is the append-ordered sequence of tokens observed after a
// context. Duplicates carry weight and are never collapsed.
type SuccessorList []Token

// Clone returns an independent copy of the list.
func (s SuccessorList) Clone() SuccessorList {
	if s == nil {
		return nil
	}
	out := make(SuccessorList, len(s))
	copy(out, s)
	return out
}

// Without returns a copy of the list with every occurrence of tok removed.
// The receiver is not modified.
func (s SuccessorList) Without(tok Token) SuccessorList {
	out := make(SuccessorList, 0, len(s))
	for _, t := range s {
		if t != tok {
			out = append(out, t)
		}
	}
	return out
}

// RemoveOne returns a copy of the list with the first occurrence of tok
// removed, and whether anything was removed.
func (s SuccessorList) RemoveOne(tok Token) (SuccessorList, bool) {
	for i, t := range s {
		if t == tok {
			out := make(SuccessorList, 0, len(s)-1)
			out = append(out, s[:i]...)
			return append(out, s[i+1:]...), true
		}
	}
	return s.Clone(), false
}

// Count returns how many times tok appears.
func (s SuccessorList) Count(tok Token) int {
	n := 0
	for _, t := range s {
		if t == tok {
			n++
		}
	}
	return n
}

// TerminalCapable reports whether the sentinel has been observed here.
func (s SuccessorList) TerminalCapable() bool {
	return s.Count(EndOfSequence()) > 0
}

// ChainStore is the persistent mapping from ContextKey to SuccessorList.
//
// Implementations must keep keys in a stable byte-wise order of their
// serialized form. Append and Remove are only required to be safe for a
// single writer at a time; Get, Has and the scans may run concurrently with
// that writer and may observe a list that is at most one token stale.
//
// Scans call fn for each key in order until fn returns false or the keys are
// exhausted. A fresh call always restarts from the beginning (or from start).
type ChainStore interface {
	// Get returns the successors of key; unknown keys yield an empty list.
	Get(key ContextKey) (SuccessorList, error)

	// Has reports whether key has ever been written.
	Has(key ContextKey) (bool, error)

	// Append adds tok to the end of key's list, creating the key if needed.
	Append(key ContextKey, tok Token) error

	// Remove deletes one occurrence of tok from key's persisted list.
	Remove(key ContextKey, tok Token) (bool, error)

	// KeysFrom visits keys whose serialized form sorts at or after start.
	KeysFrom(start string, fn func(ContextKey) bool) error

	// AllKeys visits every key.
	AllKeys(fn func(ContextKey) bool) error

	// KeyCount returns the number of stored contexts.
	KeyCount() (int, error)

	// Close releases resources. Further calls return ErrStorageClosed.
	Close() error
}
