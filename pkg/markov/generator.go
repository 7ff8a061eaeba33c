package markov

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/orneryd/markovdb/pkg/storage"
)

// DefaultMaxWords caps generated output when no limit is configured.
const DefaultMaxWords = 50

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	// MaxWords caps the number of words in any generated result, seed
	// words included. Zero allows no output at all; a negative value uses
	// DefaultMaxWords.
	MaxWords int

	// Rand supplies randomness. Nil uses the global math/rand/v2 source.
	// A provided source is guarded by the generator and may be shared.
	Rand *rand.Rand
}

// Generator produces text by walking the chain.
//
// Generation only reads the store and is safe to call from many goroutines
// while the learning worker writes.
type Generator struct {
	store    storage.ChainStore
	maxWords int

	mu  sync.Mutex // Guards rng
	rng *rand.Rand
}

// NewGenerator creates a generator over store.
func NewGenerator(store storage.ChainStore, opts GeneratorOptions) *Generator {
	maxWords := opts.MaxWords
	if maxWords < 0 {
		maxWords = DefaultMaxWords
	}
	return &Generator{
		store:    store,
		maxWords: maxWords,
		rng:      opts.Rand,
	}
}

// MaxWords returns the configured word limit.
func (g *Generator) MaxWords() int {
	return g.maxWords
}

func (g *Generator) intN(n int) int {
	if g.rng == nil {
		return rand.IntN(n)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.IntN(n)
}

// pick draws one token uniformly from list; duplicates weight the draw.
// An empty list yields the end marker.
func (g *Generator) pick(list storage.SuccessorList) storage.Token {
	if len(list) == 0 {
		return storage.EndOfSequence()
	}
	return list[g.intN(len(list))]
}

// Generate produces text starting from one or two seed words.
//
// If the seed context exists in the chain its successors (minus the end
// marker, so the seed cannot end immediately) start the walk. Otherwise the
// chain is searched for contexts whose lowercased text contains the
// lowercased seed: first the run of keys sorting right at the seed, then
// every key. Candidates are tried in random order until one has a successor
// other than the end marker; output then restarts from that context's words.
//
// ok is false when nothing could be generated. Errors are store failures.
// With no seed words at all Generate behaves like GenerateUnseeded.
func (g *Generator) Generate(seed1, seed2 string) (text string, ok bool, err error) {
	seeds := Tokenize(seed1 + " " + seed2)
	if len(seeds) == 0 {
		return g.GenerateUnseeded()
	}
	if len(seeds) > 2 {
		seeds = seeds[:2]
	}

	ctx := storage.NewContextKey(storage.Word(seeds[0]), storage.EndOfSequence())
	if len(seeds) == 2 {
		ctx = storage.NewContextKey(storage.Word(seeds[0]), storage.Word(seeds[1]))
	}
	words := append([]string(nil), seeds...)

	exact, err := g.store.Has(ctx)
	if err != nil {
		return "", false, err
	}

	var successors storage.SuccessorList
	if exact {
		list, err := g.store.Get(ctx)
		if err != nil {
			return "", false, err
		}
		successors = list.Without(storage.EndOfSequence())
	} else {
		match, list, found, err := g.searchSeed(strings.ToLower(strings.Join(seeds, " ")))
		if err != nil || !found {
			return "", false, err
		}
		ctx, successors = match, list
		words = match.Words()
	}

	if len(successors) == 0 || len(words) >= g.maxWords {
		return "", false, nil
	}

	first := g.pick(successors)
	words = append(words, first.Text())
	ctx = ctx.Shift(first)

	words, err = g.walk(ctx, words)
	if err != nil {
		return "", false, err
	}
	return strings.Join(words, " "), true, nil
}

// GenerateUnseeded produces text from the start-of-line context.
// A result of one word or less counts as nothing generated.
func (g *Generator) GenerateUnseeded() (text string, ok bool, err error) {
	words, err := g.walk(storage.StartKey(), nil)
	if err != nil {
		return "", false, err
	}
	if len(words) <= 1 {
		return "", false, nil
	}
	return strings.Join(words, " "), true, nil
}

// walk extends words from ctx until the end marker is drawn, an unknown
// context is reached, or the word limit is hit.
func (g *Generator) walk(ctx storage.ContextKey, words []string) ([]string, error) {
	for len(words) < g.maxWords {
		list, err := g.store.Get(ctx)
		if err != nil {
			return nil, err
		}
		next := g.pick(list)
		if next.IsEnd() {
			break
		}
		words = append(words, next.Text())
		ctx = ctx.Shift(next)
	}
	return words, nil
}

// searchSeed finds a context whose text contains needle and that has at least
// one successor besides the end marker.
func (g *Generator) searchSeed(needle string) (storage.ContextKey, storage.SuccessorList, bool, error) {
	candidates, err := g.matchingKeys(needle)
	if err != nil {
		return storage.ContextKey{}, nil, false, err
	}

	for len(candidates) > 0 {
		i := g.intN(len(candidates))
		key := candidates[i]
		candidates[i] = candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]

		list, err := g.store.Get(key)
		if err != nil {
			return storage.ContextKey{}, nil, false, fmt.Errorf("reading candidate %q: %w", key.String(), err)
		}
		if stripped := list.Without(storage.EndOfSequence()); len(stripped) > 0 {
			return key, stripped, true, nil
		}
	}
	return storage.ContextKey{}, nil, false, nil
}

// matchingKeys collects keys containing needle. The sorted run starting at
// needle is tried first; only if it is empty is every key scanned.
func (g *Generator) matchingKeys(needle string) ([]storage.ContextKey, error) {
	var keys []storage.ContextKey
	contains := func(k storage.ContextKey) bool {
		return strings.Contains(strings.ToLower(k.String()), needle)
	}

	err := g.store.KeysFrom(needle, func(k storage.ContextKey) bool {
		if !contains(k) {
			return false
		}
		keys = append(keys, k)
		return true
	})
	if err != nil || len(keys) > 0 {
		return keys, err
	}

	err = g.store.AllKeys(func(k storage.ContextKey) bool {
		if contains(k) {
			keys = append(keys, k)
		}
		return true
	})
	return keys, err
}
