package markov

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/orneryd/markovdb/pkg/storage"
)

// MinLineWords is the shortest line that contributes any transition.
const MinLineWords = 2

// Tokenize splits a line on runs of whitespace. Tokens are kept exactly as
// typed: no case folding, stemming or punctuation stripping.
func Tokenize(line string) []string {
	return strings.Fields(line)
}

// Learn records every transition in line.
//
// The window starts at (<end>, <end>); each word is appended to the current
// context's successors and the window shifts by one. After the last word the
// end marker is appended to the final context. Lines with fewer than
// MinLineWords words are discarded and Learn returns false.
//
// Store errors abort the line and are returned; tokens already appended stay.
func Learn(store storage.ChainStore, line string) (bool, error) {
	words := Tokenize(line)
	if len(words) < MinLineWords {
		return false, nil
	}

	ctx := storage.StartKey()
	for _, w := range words {
		tok := storage.Word(w)
		if err := store.Append(ctx, tok); err != nil {
			return false, fmt.Errorf("learning %q after %q: %w", w, ctx.String(), err)
		}
		ctx = ctx.Shift(tok)
	}

	if err := store.Append(ctx, storage.EndOfSequence()); err != nil {
		return false, fmt.Errorf("learning end of line after %q: %w", ctx.String(), err)
	}
	return true, nil
}

var (
	addresseePrefix = regexp.MustCompile(`^\S+[:,;]`)
	repeatedSpace   = regexp.MustCompile(`\s{2,}`)
)

// CleanLine prepares a chat line for learning: it drops a leading
// "nick:"-style addressee, collapses runs of whitespace and trims the ends.
func CleanLine(s string) string {
	s = addresseePrefix.ReplaceAllString(s, "")
	s = repeatedSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
