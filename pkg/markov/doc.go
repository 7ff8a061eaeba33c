// Package markov implements learning and generation over an order-2 word chain.
//
// The chain maps every pair of consecutive words (a context) to the words
// observed right after it. Learning slides a two-word window across a line and
// appends each following word, plus an end-of-sequence marker after the last
// one. Generation starts from a seed context and repeatedly draws a random
// successor until it draws the end marker or reaches the word limit.
//
// There is no smoothing or normalization: a word that followed a context N
// times is stored N times and is therefore N times as likely to be drawn.
//
// Example:
//
//	store := storage.NewMemoryStore()
//	markov.Learn(store, "the cat sat")
//	markov.Learn(store, "the cat ran")
//
//	gen := markov.NewGenerator(store, markov.GeneratorOptions{MaxWords: 50})
//	if text, ok, err := gen.Generate("the", "cat"); err == nil && ok {
//		fmt.Println(text) // "the cat sat" or "the cat ran"
//	}
package markov
