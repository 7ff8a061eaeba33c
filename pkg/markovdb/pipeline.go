package markovdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LearnFunc learns a single line. It reports false for lines that were
// discarded without error (too short).
type LearnFunc func(line string) (bool, error)

// PipelineConfig holds configuration for the learning pipeline.
type PipelineConfig struct {
	// Delay is slept after each learned line; zero disables pacing
	Delay time.Duration
	// Logger receives per-line failures (default: no-op)
	Logger *zap.Logger
}

// PipelineStats reports what the learning worker has done so far.
type PipelineStats struct {
	Running   bool `json:"running"`
	Queued    int  `json:"queued"`
	Processed int  `json:"processed"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
}

// queueItem is one entry of the FIFO. Exactly one of the fields is set.
type queueItem struct {
	line    string
	poison  bool
	barrier chan struct{}
}

// LearningPipeline feeds queued lines to a LearnFunc on a single worker.
//
// Producers call Enqueue from any goroutine; it appends to an unbounded FIFO
// and returns immediately. One worker pops lines in order, learns them, and
// sleeps Delay between lines. Because the worker is the only caller of the
// LearnFunc, the store behind it sees exactly one writer.
//
// Close pushes a poison item behind everything already queued and waits for
// the worker to reach it, so no line enqueued before Close is dropped and
// nothing enqueued after it is accepted.
//
// Example:
//
//	p := markovdb.NewLearningPipeline(func(line string) (bool, error) {
//		return markov.Learn(store, line)
//	}, markovdb.PipelineConfig{Delay: 500 * time.Millisecond})
//	defer p.Close()
//
//	p.Enqueue("the cat sat", "the cat ran")
type LearningPipeline struct {
	learn  LearnFunc
	delay  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queueItem
	pending int // lines in queue, excluding control items
	closing bool

	wg sync.WaitGroup

	// Stats, guarded by mu
	running   bool
	processed int
	skipped   int
	failed    int
}

// NewLearningPipeline creates a pipeline and starts its worker.
func NewLearningPipeline(learn LearnFunc, cfg PipelineConfig) *LearningPipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &LearningPipeline{
		learn:  learn,
		delay:  cfg.Delay,
		logger: logger,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(1)
	go p.worker()

	return p
}

// Enqueue appends lines to the queue. It never waits on learning.
// Returns ErrPipelineClosed once Close has been called.
func (p *LearningPipeline) Enqueue(lines ...string) error {
	if len(lines) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return ErrPipelineClosed
	}
	for _, line := range lines {
		p.queue = append(p.queue, queueItem{line: line})
	}
	p.pending += len(lines)
	p.cond.Signal()
	return nil
}

// QueueDepth returns the number of lines waiting to be learned.
func (p *LearningPipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Stats returns current worker statistics.
func (p *LearningPipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PipelineStats{
		Running:   p.running,
		Queued:    p.pending,
		Processed: p.processed,
		Skipped:   p.skipped,
		Failed:    p.failed,
	}
}

// Drain blocks until every line enqueued before the call has been handled,
// or ctx is done.
func (p *LearningPipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	p.queue = append(p.queue, queueItem{barrier: done})
	p.cond.Signal()
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting lines, waits for the queue to drain and stops the
// worker. Safe to call more than once.
func (p *LearningPipeline) Close() {
	p.mu.Lock()
	if !p.closing {
		p.closing = true
		p.queue = append(p.queue, queueItem{poison: true})
		p.cond.Signal()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// next blocks until an item is available and pops it.
func (p *LearningPipeline) next() queueItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 {
		p.cond.Wait()
	}
	item := p.queue[0]
	p.queue[0] = queueItem{}
	p.queue = p.queue[1:]
	if item.barrier == nil && !item.poison {
		p.pending--
		p.running = true
	}
	return item
}

// worker runs the learning loop.
func (p *LearningPipeline) worker() {
	defer p.wg.Done()

	p.logger.Debug("learning worker started")
	defer p.logger.Debug("learning worker stopped")

	for {
		item := p.next()
		switch {
		case item.poison:
			return
		case item.barrier != nil:
			close(item.barrier)
			continue
		}

		p.process(item.line)

		if p.delay > 0 {
			time.Sleep(p.delay)
		}
	}
}

// process learns one line and records the outcome. A failure is logged and
// counted; the worker moves on to the next line.
func (p *LearningPipeline) process(line string) {
	learned, err := p.safeLearn(line)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false

	switch {
	case err != nil:
		p.failed++
		p.logger.Warn("failed to learn line", zap.String("line", line), zap.Error(err))
	case learned:
		p.processed++
	default:
		p.skipped++
	}
}

func (p *LearningPipeline) safeLearn(line string) (learned bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("learn panicked: %v", r)
		}
	}()
	return p.learn(line)
}
