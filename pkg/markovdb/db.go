// Package markovdb provides the main API for embedded MarkovDB usage.
//
// A DB ties the pieces together: a persistent chain store (badger, optionally
// encrypted and fronted by an LRU cache), the order-2 learner and generator
// from package markov, and a single-writer learning pipeline. Chat-facing
// callers feed observed lines in and get generated replies out; delivery,
// addressing and command routing stay with the caller.
//
// Example Usage:
//
//	cfg, _ := config.Load("markovdb.yaml")
//	logger, _ := cfg.Logging.Build()
//
//	db, err := markovdb.Open(cfg, &markovdb.Options{Logger: logger})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Learn in the background
//	db.Learn("the cat sat on the mat")
//
//	// Generate from a seed
//	if reply, ok, _ := db.ChatAbout("the", "cat"); ok {
//		fmt.Println(reply)
//	} else {
//		fmt.Println(markovdb.FallbackMessage)
//	}
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Writes to the chain happen only
//	on the pipeline worker; generation reads run on the caller's goroutine.
package markovdb

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/markovdb/pkg/cache"
	"github.com/orneryd/markovdb/pkg/config"
	"github.com/orneryd/markovdb/pkg/encryption"
	"github.com/orneryd/markovdb/pkg/markov"
	"github.com/orneryd/markovdb/pkg/storage"
)

// FallbackMessage is what callers say when generation has no result.
const FallbackMessage = "I can't :("

// Errors returned by DB operations.
var (
	ErrClosed             = errors.New("database is closed")
	ErrPipelineClosed     = errors.New("learning pipeline is closed")
	ErrInvalidProbability = errors.New("probability must be between 0 and 100")
	ErrSourceNotFound     = errors.New("source not found")
	ErrNothingToLearn     = errors.New("nothing to learn")
	ErrInvalidPattern     = errors.New("invalid pattern")
	ErrInvalidRange       = errors.New("invalid line range")
)

// Options carries dependencies that do not belong in the config file.
type Options struct {
	// Logger for the pipeline and badger (default: no-op)
	Logger *zap.Logger
	// Rand drives generation and the reply probability draw (default: global source)
	Rand *rand.Rand
	// Store replaces the configured store. The DB takes ownership and
	// closes it.
	Store storage.ChainStore
}

// DB is a learning, talking Markov chain.
type DB struct {
	cfg    config.Config
	logger *zap.Logger

	store     storage.ChainStore
	badger    *storage.BadgerStore // nil unless the chain lives in badger
	cached    *storage.CachedStore // nil when caching is disabled
	generator *markov.Generator
	pipeline  *LearningPipeline

	enabled     atomic.Bool
	probability atomic.Int32

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.RWMutex
	ignore  config.IgnoreList
	ignorer *config.IgnoreMatcher // Compiled from ignore
	closed  bool
}

// Status is a snapshot for admin commands.
type Status struct {
	Enabled     bool          `json:"enabled"`
	Probability int           `json:"probability"`
	QueueDepth  int           `json:"queue_depth"`
	Pipeline    PipelineStats `json:"pipeline"`
	Cache       *cache.Stats  `json:"cache,omitempty"`
}

// Open opens or creates the chain described by cfg.
//
// # Storage Modes
//
// Persistent (default): badger at cfg.Database.DataDir, encrypted when an
// EncryptionPassphrase is set (the salt lives beside the data).
//
// In-memory (cfg.Database.InMemory): a sorted in-process store, lost on Close.
//
// Either store is wrapped in an LRU cache when CacheSize > 0.
//
// A nil cfg uses config.DefaultConfig(); a nil opts uses zero Options.
func Open(cfg *config.Config, opts *Options) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts == nil {
		opts = &Options{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := &DB{
		cfg:    *cfg,
		logger: logger,
		rng:    opts.Rand,
		ignore: append(config.IgnoreList(nil), cfg.Markov.Ignore...),
	}
	db.ignorer = db.ignore.Compile()
	db.enabled.Store(cfg.Markov.Enabled)
	db.probability.Store(int32(cfg.Markov.Probability))

	base, err := db.openStore(opts.Store)
	if err != nil {
		return nil, err
	}
	db.store = base
	if cfg.Database.CacheSize > 0 {
		db.cached = storage.NewCachedStore(base, cfg.Database.CacheSize, cfg.Database.CacheTTL)
		db.store = db.cached
	}

	db.generator = markov.NewGenerator(db.store, markov.GeneratorOptions{
		MaxWords: cfg.Markov.MaxWords,
		Rand:     opts.Rand,
	})

	store := db.store
	db.pipeline = NewLearningPipeline(func(line string) (bool, error) {
		return markov.Learn(store, line)
	}, PipelineConfig{
		Delay:  cfg.Markov.LearnDelay,
		Logger: logger.Named("pipeline"),
	})

	logger.Info("markov chain opened",
		zap.Bool("enabled", cfg.Markov.Enabled),
		zap.Int("probability", cfg.Markov.Probability),
		zap.Int("max_words", db.generator.MaxWords()),
		zap.Duration("learn_delay", cfg.Markov.LearnDelay),
		zap.Int("cache_size", cfg.Database.CacheSize),
	)
	return db, nil
}

func (db *DB) openStore(override storage.ChainStore) (storage.ChainStore, error) {
	if override != nil {
		if b, ok := override.(*storage.BadgerStore); ok {
			db.badger = b
		}
		return override, nil
	}

	dbc := db.cfg.Database
	if dbc.InMemory {
		db.logger.Warn("using in-memory storage (data will not persist)")
		return storage.NewMemoryStore(), nil
	}

	opts := storage.BadgerOptions{
		DataDir:    dbc.DataDir,
		SyncWrites: dbc.SyncWrites,
		Logger:     db.logger.Named("badger"),
	}
	if dbc.EncryptionPassphrase != "" {
		key, err := encryption.DeriveStoreKey(dbc.DataDir, dbc.EncryptionPassphrase)
		if err != nil {
			return nil, fmt.Errorf("deriving encryption key: %w", err)
		}
		opts.EncryptionKey = key
		db.logger.Info("encryption at rest enabled", zap.String("key_fingerprint", encryption.Fingerprint(key)))
	}

	b, err := storage.NewBadgerStoreWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistent storage: %w", err)
	}
	db.badger = b
	db.logger.Info("using persistent storage", zap.String("data_dir", dbc.DataDir))
	return b, nil
}

// Close drains the learning queue and closes the store.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	// Learn everything already queued before the store goes away
	db.pipeline.Close()

	if err := db.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	db.logger.Info("markov chain closed", zap.Int("learned", db.pipeline.Stats().Processed))
	return nil
}

func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// Learning
// =============================================================================

// Learn queues lines for the background learner. It does not wait for them
// to be written; see Drain.
func (db *DB) Learn(lines ...string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.pipeline.Enqueue(lines...)
}

// Drain waits until everything queued so far has been learned.
func (db *DB) Drain(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.pipeline.Drain(ctx)
}

// QueueDepth returns the number of lines waiting to be learned.
func (db *DB) QueueDepth() int {
	return db.pipeline.QueueDepth()
}

// =============================================================================
// Chat
// =============================================================================

// OnObservedLine handles a line seen in conversation.
//
// Ignored lines are dropped. Otherwise the line is cleaned and queued for
// learning and, if ShouldTalk allows, a reply is generated seeded with the
// line's first two words. Lines of a single word never get a reply, and a
// reply that merely repeats the start of the line is suppressed.
func (db *DB) OnObservedLine(text string, ignored bool) (reply string, ok bool, err error) {
	if ignored {
		return "", false, nil
	}
	cleaned := markov.CleanLine(text)
	if cleaned == "" {
		return "", false, nil
	}
	if err := db.Learn(cleaned); err != nil {
		return "", false, err
	}

	if !db.ShouldTalk() {
		return "", false, nil
	}

	words := markov.Tokenize(cleaned)
	if len(words) < 2 {
		return "", false, nil
	}
	reply, ok, err = db.generator.Generate(words[0], words[1])
	if err != nil || !ok {
		return "", false, err
	}
	if strings.HasPrefix(cleaned, reply) {
		return "", false, nil
	}
	return reply, true, nil
}

// Observe is OnObservedLine with the ignore verdict taken from the DB's
// ignore list. source is the sender's nick!user@host mask.
func (db *DB) Observe(source, channel, text string) (string, bool, error) {
	return db.OnObservedLine(text, db.IsIgnored(source, channel))
}

// OnObservedAction learns an action ("/me waves") as "<nick> <text>".
func (db *DB) OnObservedAction(nick, text string, ignored bool) error {
	if ignored {
		return nil
	}
	line := markov.CleanLine(nick + " " + text)
	if line == "" {
		return nil
	}
	return db.Learn(line)
}

// ChatAbout generates text from one or two seed words. Generation always
// adds at least one word past the seed context, so a result never consists
// of the seed alone.
func (db *DB) ChatAbout(seed1, seed2 string) (string, bool, error) {
	if err := db.checkOpen(); err != nil {
		return "", false, err
	}
	return db.generator.Generate(seed1, seed2)
}

// Chat generates a random utterance.
func (db *DB) Chat() (string, bool, error) {
	if err := db.checkOpen(); err != nil {
		return "", false, err
	}
	return db.generator.GenerateUnseeded()
}

// ShouldTalk draws against the configured probability. It is always false
// while disabled.
func (db *DB) ShouldTalk() bool {
	if !db.enabled.Load() {
		return false
	}
	return int(db.probability.Load()) > db.intN(100)
}

// ReplyDelay returns a random delay in the configured reply window, for
// callers that schedule delivery.
func (db *DB) ReplyDelay() time.Duration {
	lo, hi := db.cfg.Markov.ReplyDelayMin, db.cfg.Markov.ReplyDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(db.int64N(int64(hi-lo)+1))
}

func (db *DB) intN(n int) int {
	if db.rng == nil {
		return rand.IntN(n)
	}
	db.rngMu.Lock()
	defer db.rngMu.Unlock()
	return db.rng.IntN(n)
}

func (db *DB) int64N(n int64) int64 {
	if db.rng == nil {
		return rand.Int64N(n)
	}
	db.rngMu.Lock()
	defer db.rngMu.Unlock()
	return db.rng.Int64N(n)
}

// =============================================================================
// Administration
// =============================================================================

// Enabled reports whether unsolicited replies are on.
func (db *DB) Enabled() bool { return db.enabled.Load() }

// SetEnabled turns unsolicited replies on or off.
func (db *DB) SetEnabled(enabled bool) {
	db.enabled.Store(enabled)
	db.logger.Info("reply setting changed", zap.Bool("enabled", enabled))
}

// Probability returns the reply chance in percent.
func (db *DB) Probability() int { return int(db.probability.Load()) }

// SetProbability sets the reply chance in percent (0-100).
func (db *DB) SetProbability(p int) error {
	if p < 0 || p > config.MaxProbability {
		return fmt.Errorf("%w: %d", ErrInvalidProbability, p)
	}
	db.probability.Store(int32(p))
	db.logger.Info("reply setting changed", zap.Int("probability", p))
	return nil
}

// IsIgnored reports whether source or channel is on the ignore list.
func (db *DB) IsIgnored(source, channel string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.ignorer.Matches(source, channel)
}

// Ignore adds a channel or hostmask to the ignore list.
func (db *DB) Ignore(pattern string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.ignore = db.ignore.Add(pattern)
	db.ignorer = db.ignore.Compile()
}

// Unignore removes a channel or hostmask from the ignore list.
func (db *DB) Unignore(pattern string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.ignore = db.ignore.Remove(pattern)
	db.ignorer = db.ignore.Compile()
}

// IgnoreList returns a copy of the ignore list.
func (db *DB) IgnoreList() config.IgnoreList {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append(config.IgnoreList(nil), db.ignore...)
}

// Status returns the admin snapshot.
func (db *DB) Status() Status {
	st := Status{
		Enabled:     db.Enabled(),
		Probability: db.Probability(),
		QueueDepth:  db.QueueDepth(),
		Pipeline:    db.pipeline.Stats(),
	}
	if db.cached != nil {
		cs := db.cached.CacheStats()
		st.Cache = &cs
	}
	return st
}

// KeyCount returns the number of contexts in the chain.
func (db *DB) KeyCount() (int, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	return db.store.KeyCount()
}

// Keys calls fn for each context whose text sorts at or after from, in
// order, until fn returns false. An empty from lists every key.
func (db *DB) Keys(from string, fn func(key storage.ContextKey, successors storage.SuccessorList) bool) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	var readErr error
	err := db.store.KeysFrom(from, func(k storage.ContextKey) bool {
		list, err := db.store.Get(k)
		if err != nil {
			readErr = err
			return false
		}
		return fn(k, list)
	})
	if err != nil {
		return err
	}
	return readErr
}

// RunGC reclaims badger value-log space. It is a no-op for other stores.
func (db *DB) RunGC() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.badger == nil {
		return nil
	}
	return db.badger.RunGC()
}

// Size returns the on-disk size of a badger-backed chain, or zeros.
func (db *DB) Size() (lsm, vlog int64) {
	if db.badger == nil {
		return 0, 0
	}
	return db.badger.Size()
}
