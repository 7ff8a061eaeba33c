// Package storage provides chain store implementations for MarkovDB.
//
// BadgerStore provides persistent disk-based storage using BadgerDB.
// BadgerDB keeps keys sorted, which is what makes seed lookups cheap: a
// prefix scan can Seek straight to the seed instead of walking every context.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerStore provides persistent chain storage using BadgerDB.
//
// Features:
//   - Point append: one context read plus two key writes per token
//   - Sorted context index for KeysFrom prefix scans
//   - Optional encryption at rest
//   - Automatic crash recovery
//
// Key Structure:
//   - Context: 0x10 + keytext -> uvarint(next sequence)
//   - Successor: 0x11 + uvarint(len(keytext)) + keytext + uint64be(seq) -> token
//
// Example:
//
//	store, err := storage.NewBadgerStore("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	key := storage.NewContextKey(storage.Word("the"), storage.Word("cat"))
//	store.Append(key, storage.Word("sat"))
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex // Protects closed
	closed bool
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger receives BadgerDB internal logging.
	// If nil, BadgerDB logging is discarded.
	Logger *zap.Logger

	// EncryptionKey enables encryption at rest when non-empty.
	// Must be 16, 24 or 32 bytes (AES-128/192/256).
	EncryptionKey []byte
}

// NewBadgerStore creates a new persistent chain store with default settings.
//
// Parameters:
//   - dataDir: Directory path for storing data files. Created if it doesn't exist.
//
// Returns:
//   - *BadgerStore on success
//   - error if the database cannot be opened (e.g., permissions, lock held)
//
// Thread Safety:
//
//	Reads are safe from any goroutine. Writes must come from one goroutine.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerStoreWithOptions creates a BadgerStore with custom configuration.
//
// Example 1 - In-Memory Store for Testing:
//
//	store, err := storage.NewBadgerStoreWithOptions(storage.BadgerOptions{
//		InMemory: true,
//	})
//
// Example 2 - Encrypted Store:
//
//	key, _ := encryption.DeriveStoreKey("./data", passphrase)
//	store, err := storage.NewBadgerStoreWithOptions(storage.BadgerOptions{
//		DataDir:       "./data",
//		EncryptionKey: key,
//	})
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(newBadgerLogger(opts.Logger))
	} else {
		// Use a quiet logger by default
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// Successor entries are tiny; keep the footprint small
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).     // 16MB instead of 64MB
		WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
		WithNumMemtables(2).            // 2 instead of 5
		WithNumLevelZeroTables(2).      // 2 instead of 5
		WithNumLevelZeroTablesStall(4). // 4 instead of 15
		WithBlockCacheSize(32 << 20).   // 32MB block cache
		WithIndexCacheSize(16 << 20)    // 16MB index cache, required for encryption

	if len(opts.EncryptionKey) > 0 {
		badgerOpts = badgerOpts.WithEncryptionKey(opts.EncryptionKey)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreInMemory creates an in-memory BadgerDB for testing.
//
// Data is not persisted and is lost when the store is closed.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{
		InMemory: true,
	})
}

func (b *BadgerStore) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Chain Operations
// ============================================================================

// Get returns the successors of key in append order.
// Unknown keys return an empty list and no error.
func (b *BadgerStore) Get(key ContextKey) (SuccessorList, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var list SuccessorList
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := successorPrefix(key.String())
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 32
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				tok, err := decodeToken(val)
				if err != nil {
					return err
				}
				list = append(list, tok)
				return nil
			})
			if err != nil {
				return fmt.Errorf("reading successors of %q: %w", key.String(), err)
			}
		}
		return nil
	})
	return list, err
}

// Has reports whether key has ever been appended to.
func (b *BadgerStore) Has(key ContextKey) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(contextRecordKey(key.String()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Append adds tok to the end of key's successor list.
func (b *BadgerStore) Append(key ContextKey, tok Token) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := tok.Validate(); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	keyText := key.String()
	return b.db.Update(func(txn *badger.Txn) error {
		ctxKey := contextRecordKey(keyText)

		var seq uint64
		item, err := txn.Get(ctxKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First observation of this context
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				var decodeErr error
				seq, decodeErr = decodeSeq(val)
				return decodeErr
			}); err != nil {
				return fmt.Errorf("reading context %q: %w", keyText, err)
			}
		}

		if err := txn.Set(successorKey(keyText, seq), encodeToken(tok)); err != nil {
			return err
		}
		return txn.Set(ctxKey, encodeSeq(seq+1))
	})
}

// Remove deletes the first occurrence of tok from key's persisted list.
// The context itself is kept even if its list becomes empty.
func (b *BadgerStore) Remove(key ContextKey, tok Token) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	want := encodeToken(tok)
	removed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		prefix := successorPrefix(key.String())
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			match := false
			if err := item.Value(func(val []byte) error {
				match = string(val) == string(want)
				return nil
			}); err != nil {
				return err
			}
			if match {
				removed = true
				return txn.Delete(item.KeyCopy(nil))
			}
		}
		return nil
	})
	return removed, err
}

// KeysFrom visits contexts whose key text sorts at or after start.
func (b *BadgerStore) KeysFrom(start string, fn func(ContextKey) bool) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixContext}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false // Key-only iteration
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(contextRecordKey(start)); it.ValidForPrefix(prefix); it.Next() {
			key, err := ParseContextKey(string(it.Item().Key()[1:]))
			if err != nil {
				continue // Skip malformed keys
			}
			if !fn(key) {
				break // Callback requested stop
			}
		}
		return nil
	})
}

// AllKeys visits every context in key order.
func (b *BadgerStore) AllKeys(fn func(ContextKey) bool) error {
	return b.KeysFrom("", fn)
}

// KeyCount returns the number of stored contexts.
func (b *BadgerStore) KeyCount() (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixContext}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the BadgerDB database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.db.Close()
}

// Sync forces a sync of all data to disk.
func (b *BadgerStore) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log.
// Returns nil when there was nothing to rewrite.
func (b *BadgerStore) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Size returns the approximate size of the database in bytes.
func (b *BadgerStore) Size() (lsm, vlog int64) {
	if b.checkOpen() != nil {
		return 0, 0
	}
	return b.db.Size()
}

// badgerLogger routes BadgerDB's printf-style logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func newBadgerLogger(l *zap.Logger) badger.Logger {
	return badgerLogger{s: l.Named("badger").Sugar()}
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Infof(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }

var _ ChainStore = (*BadgerStore)(nil)
