package markovdb

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orneryd/markovdb/pkg/config"
	"github.com/orneryd/markovdb/pkg/encryption"
	"github.com/orneryd/markovdb/pkg/storage"
)

// testConfig returns an in-memory config with pacing disabled.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.InMemory = true
	cfg.Markov.LearnDelay = 0
	return cfg
}

func openTestDB(t *testing.T, mutate func(cfg *config.Config)) *DB {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	db, err := Open(cfg, &Options{Rand: rand.New(rand.NewPCG(7, 11))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func learnAndDrain(t *testing.T, db *DB, lines ...string) {
	t.Helper()
	require.NoError(t, db.Learn(lines...))
	require.NoError(t, db.Drain(context.Background()))
}

// talkative enables replies on every observed line.
func talkative(cfg *config.Config) {
	cfg.Markov.Enabled = true
	cfg.Markov.Probability = 100
}

func TestOpen_NilOptions(t *testing.T) {
	db, err := Open(testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 25, db.Probability())
	assert.NoError(t, db.Close())
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Markov.Probability = 500
	_, err := Open(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestDB_ChatAbout(t *testing.T) {
	db := openTestDB(t, nil)
	learnAndDrain(t, db, "the cat sat", "the cat ran", "the dog sat")

	reply, ok, err := db.ChatAbout("the", "cat")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(reply, "the cat "), reply)
	assert.Contains(t, []string{"the cat sat", "the cat ran"}, reply)

	_, ok, err = db.ChatAbout("zebra", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDB_ChatAbout_SingleSeedUsesSearch(t *testing.T) {
	db := openTestDB(t, nil)
	learnAndDrain(t, db, "the cat sat on the mat")

	for i := 0; i < 20; i++ {
		reply, ok, err := db.ChatAbout("sat", "")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, reply, "sat ", reply)
		assert.GreaterOrEqual(t, len(strings.Fields(reply)), 2, reply)
	}
}

func TestDB_ZeroMaxWords(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) {
		talkative(c)
		c.Markov.MaxWords = 0
	})
	learnAndDrain(t, db, "a b c d e f g h i j")

	_, ok, err := db.Chat()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = db.ChatAbout("a", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = db.OnObservedLine("a b", false)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := db.KeyCount()
	require.NoError(t, err)
	assert.Positive(t, n, "learning is unaffected")
}

func TestDB_Chat(t *testing.T) {
	db := openTestDB(t, nil)

	_, ok, err := db.Chat()
	require.NoError(t, err)
	assert.False(t, ok, "empty chain has nothing to say")

	learnAndDrain(t, db, "hello there friend")
	reply, ok, err := db.Chat()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello there friend", reply)
}

func TestDB_ThreeLinesThenClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	db, err := Open(testConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, db.Learn("one two", "three four", "five six"))
	require.NoError(t, db.Close())

	assert.Equal(t, 3, db.Status().Pipeline.Processed)
	assert.ErrorIs(t, db.Learn("too late"), ErrClosed)
	_, _, err = db.ChatAbout("one", "two")
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = db.Chat()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, db.Close(), "close is idempotent")
}

func TestDB_OnObservedLine(t *testing.T) {
	t.Run("ignored_lines_are_not_learned", func(t *testing.T) {
		db := openTestDB(t, talkative)

		reply, ok, err := db.OnObservedLine("some secret words", true)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, reply)
		assert.Zero(t, db.QueueDepth())

		require.NoError(t, db.Drain(context.Background()))
		n, err := db.KeyCount()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("disabled_learns_but_stays_quiet", func(t *testing.T) {
		db := openTestDB(t, nil)

		_, ok, err := db.OnObservedLine("bob:   hello   there", false)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, db.Drain(context.Background()))
		var keys []string
		require.NoError(t, db.Keys("", func(k storage.ContextKey, _ storage.SuccessorList) bool {
			keys = append(keys, k.String())
			return true
		}))
		assert.Equal(t, []string{" ", " hello", "hello there"}, keys, "nick prefix stripped, spaces collapsed")
	})

	t.Run("replies_seeded_from_first_words", func(t *testing.T) {
		db := openTestDB(t, talkative)
		learnAndDrain(t, db, "hello there friend")

		reply, ok, err := db.OnObservedLine("hello there", false)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "hello there friend", reply)
	})

	t.Run("echo_is_suppressed", func(t *testing.T) {
		db := openTestDB(t, talkative)
		learnAndDrain(t, db, "a b c")

		_, ok, err := db.OnObservedLine("a b c", false)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("one_word_line_stays_quiet", func(t *testing.T) {
		db := openTestDB(t, talkative)
		learnAndDrain(t, db, "the cat sat on the mat")

		for i := 0; i < 20; i++ {
			reply, ok, err := db.OnObservedLine("cat", false)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, reply)
		}

		reply, ok, err := db.OnObservedLine("the cat", false)
		require.NoError(t, err)
		require.True(t, ok, "two words are enough to seed a reply")
		assert.True(t, strings.HasPrefix(reply, "the cat "), reply)
	})

	t.Run("zero_probability_never_talks", func(t *testing.T) {
		db := openTestDB(t, func(c *config.Config) {
			c.Markov.Enabled = true
			c.Markov.Probability = 0
		})
		learnAndDrain(t, db, "hello there friend")

		for i := 0; i < 20; i++ {
			_, ok, err := db.OnObservedLine("hello there", false)
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})

	t.Run("blank_line", func(t *testing.T) {
		db := openTestDB(t, nil)
		_, ok, err := db.OnObservedLine("   ", false)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, db.QueueDepth())
	})
}

func TestDB_Observe_UsesIgnoreList(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) {
		c.Markov.Ignore = config.IgnoreList{"#quiet", "*!*@bots.example.org"}
	})

	_, _, err := db.Observe("alice!a@home", "#quiet", "do not learn this")
	require.NoError(t, err)
	_, _, err = db.Observe("bot!b@bots.example.org", "#general", "nor this one")
	require.NoError(t, err)
	_, _, err = db.Observe("alice!a@home", "#general", "but learn this")
	require.NoError(t, err)
	require.NoError(t, db.Drain(context.Background()))

	assert.Equal(t, 1, db.Status().Pipeline.Processed)

	db.Unignore("#QUIET")
	assert.False(t, db.IsIgnored("alice!a@home", "#quiet"))
	db.Ignore("#general")
	assert.True(t, db.IsIgnored("", "#general"))
	assert.Equal(t, config.IgnoreList{"*!*@bots.example.org", "#general"}, db.IgnoreList())

	assert.False(t, db.IsIgnored("eve!e@spam.net", "#other"))
	db.Ignore("*!*@spam.net")
	assert.True(t, db.IsIgnored("eve!e@SPAM.NET", "#other"))
	db.Unignore("*!*@bots.example.org")
	assert.False(t, db.IsIgnored("bot!b@bots.example.org", "#other"))
}

func TestDB_OnObservedAction(t *testing.T) {
	db := openTestDB(t, nil)

	require.NoError(t, db.OnObservedAction("alice", "waves hello", false))
	require.NoError(t, db.OnObservedAction("bob", "hides", true))
	require.NoError(t, db.Drain(context.Background()))

	reply, ok, err := db.ChatAbout("alice", "waves")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice waves hello", reply)

	_, ok, err = db.ChatAbout("bob", "hides")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDB_AdminSettings(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) { c.Markov.Probability = 40 })

	st := db.Status()
	assert.False(t, st.Enabled)
	assert.Equal(t, 40, st.Probability)
	assert.Zero(t, st.QueueDepth)
	require.NotNil(t, st.Cache)
	assert.False(t, db.ShouldTalk(), "disabled never talks")

	db.SetEnabled(true)
	require.NoError(t, db.SetProbability(100))
	assert.True(t, db.Enabled())
	assert.Equal(t, 100, db.Probability())
	assert.True(t, db.ShouldTalk())

	assert.ErrorIs(t, db.SetProbability(101), ErrInvalidProbability)
	assert.ErrorIs(t, db.SetProbability(-1), ErrInvalidProbability)
	assert.Equal(t, 100, db.Probability())
}

func TestDB_NoCache(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) { c.Database.CacheSize = 0 })
	assert.Nil(t, db.Status().Cache)
	assert.NoError(t, db.RunGC())
	lsm, vlog := db.Size()
	assert.Zero(t, lsm+vlog)
}

func TestDB_ReplyDelay(t *testing.T) {
	db := openTestDB(t, func(c *config.Config) {
		c.Markov.ReplyDelayMin = 100 * time.Millisecond
		c.Markov.ReplyDelayMax = 200 * time.Millisecond
	})
	for i := 0; i < 50; i++ {
		d := db.ReplyDelay()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}

	fixed := openTestDB(t, func(c *config.Config) {
		c.Markov.ReplyDelayMin = time.Second
		c.Markov.ReplyDelayMax = time.Second
	})
	assert.Equal(t, time.Second, fixed.ReplyDelay())
}

func TestDB_Keys(t *testing.T) {
	db := openTestDB(t, nil)
	learnAndDrain(t, db, "the cat sat", "the dog sat")

	got := map[string]storage.SuccessorList{}
	require.NoError(t, db.Keys("the", func(k storage.ContextKey, succ storage.SuccessorList) bool {
		got[k.String()] = succ
		return true
	}))
	assert.Equal(t, map[string]storage.SuccessorList{
		"the cat": {storage.Word("sat")},
		"the dog": {storage.Word("sat")},
	}, got)
}

func TestDB_PersistentEncrypted(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.DataDir = dir
	cfg.Database.EncryptionPassphrase = "correct horse"
	cfg.Markov.LearnDelay = 0

	db, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, db.Learn("persisted across restarts"))
	require.NoError(t, db.RunGC())
	require.NoError(t, db.Close())

	_, err = os.Stat(filepath.Join(dir, encryption.SaltFileName))
	require.NoError(t, err, "salt file created beside the data")

	reopened, err := Open(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()

	reply, ok, err := reopened.ChatAbout("persisted", "across")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted across restarts", reply)

	lsm, vlog := reopened.Size()
	assert.GreaterOrEqual(t, lsm+vlog, int64(0))

	wrong := *cfg
	wrong.Database.EncryptionPassphrase = "battery staple"
	_, err = Open(&wrong, nil)
	assert.Error(t, err, "wrong passphrase must not open the chain")
}

func TestDB_StoreOverride(t *testing.T) {
	store := storage.NewMemoryStore()
	db, err := Open(testConfig(), &Options{Store: store})
	require.NoError(t, err)

	learnAndDrain(t, db, "direct store access")
	list, err := store.Get(storage.NewContextKey(storage.Word("direct"), storage.Word("store")))
	require.NoError(t, err)
	assert.Equal(t, storage.SuccessorList{storage.Word("access")}, list)

	require.NoError(t, db.Close())
	_, err = store.Get(storage.StartKey())
	assert.ErrorIs(t, err, storage.ErrStorageClosed, "db owns the store")
}
