package markovdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recorder is a LearnFunc that remembers every line it was given and
// checks that calls never overlap.
type recorder struct {
	mu      sync.Mutex
	lines   []string
	active  atomic.Int32
	overlap atomic.Bool
}

func (r *recorder) learn(line string) (bool, error) {
	if r.active.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.active.Add(-1)

	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestLearningPipeline_ShutdownDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	p := NewLearningPipeline(rec.learn, PipelineConfig{})

	require.NoError(t, p.Enqueue("one a", "two b", "three c"))
	p.Close()

	assert.Equal(t, []string{"one a", "two b", "three c"}, rec.seen())
	stats := p.Stats()
	assert.Equal(t, 3, stats.Processed)
	assert.Zero(t, stats.Queued)
	assert.False(t, stats.Running)
}

func TestLearningPipeline_ClosedRejectsWork(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewLearningPipeline((&recorder{}).learn, PipelineConfig{})
	p.Close()
	p.Close() // idempotent

	assert.ErrorIs(t, p.Enqueue("late line"), ErrPipelineClosed)
	assert.ErrorIs(t, p.Drain(context.Background()), ErrPipelineClosed)
	assert.NoError(t, p.Enqueue(), "empty enqueue is a no-op")
}

func TestLearningPipeline_FailuresAreLoggedAndSkipped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	core, logs := observer.New(zapcore.WarnLevel)
	boom := errors.New("disk full")

	var learned []string
	p := NewLearningPipeline(func(line string) (bool, error) {
		switch line {
		case "bad line":
			return false, boom
		case "panic line":
			panic("corrupt value")
		case "short":
			return false, nil
		}
		learned = append(learned, line)
		return true, nil
	}, PipelineConfig{Logger: zap.New(core)})

	require.NoError(t, p.Enqueue("good one", "bad line", "short", "panic line", "good two"))
	p.Close()

	assert.Equal(t, []string{"good one", "good two"}, learned)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)

	entries := logs.FilterMessage("failed to learn line").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "bad line", entries[0].ContextMap()["line"])
	assert.Equal(t, "panic line", entries[1].ContextMap()["line"])
}

func TestLearningPipeline_QueueDepth(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := NewLearningPipeline(func(line string) (bool, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return true, nil
	}, PipelineConfig{})

	require.NoError(t, p.Enqueue("a b", "c d", "e f"))
	<-started

	assert.Equal(t, 2, p.QueueDepth(), "one line is in flight")
	assert.True(t, p.Stats().Running)

	close(release)
	p.Close()
	assert.Zero(t, p.QueueDepth())
}

func TestLearningPipeline_ConcurrentProducers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	p := NewLearningPipeline(rec.learn, PipelineConfig{})

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				assert.NoError(t, p.Enqueue(fmt.Sprintf("producer%d line%d", id, j)))
			}
		}(i)
	}
	wg.Wait()
	p.Close()

	lines := rec.seen()
	assert.Len(t, lines, producers*perProducer)
	assert.False(t, rec.overlap.Load(), "learn calls must never overlap")

	unique := make(map[string]bool, len(lines))
	for _, l := range lines {
		unique[l] = true
	}
	assert.Len(t, unique, producers*perProducer, "no line lost or duplicated")
}

func TestLearningPipeline_Delay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	p := NewLearningPipeline(rec.learn, PipelineConfig{Delay: 20 * time.Millisecond})

	start := time.Now()
	require.NoError(t, p.Enqueue("a b", "c d", "e f"))
	p.Close()

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Len(t, rec.seen(), 3)
}

func TestLearningPipeline_Drain(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := &recorder{}
	p := NewLearningPipeline(rec.learn, PipelineConfig{})
	defer p.Close()

	require.NoError(t, p.Enqueue("a b", "c d"))
	require.NoError(t, p.Drain(context.Background()))
	assert.Len(t, rec.seen(), 2)
	assert.Equal(t, 2, p.Stats().Processed)
}

func TestLearningPipeline_DrainHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	p := NewLearningPipeline(func(string) (bool, error) {
		<-release
		return true, nil
	}, PipelineConfig{})

	require.NoError(t, p.Enqueue("stuck line"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)

	close(release)
	p.Close()
}
