package accesslog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/rules"
)

// Config tunes the access logger.
type Config struct {
	Path           string
	FlushThreshold int
	FlushInterval  time.Duration
	MaxSizeBytes   int64
	MaxRotations   int
	BufferCapacity int
}

// Logger buffers threat-scored entries in memory and flushes them in
// batches to the durable store. A failed flush keeps the batch for the
// next cycle; the bounded buffer still applies, so a persistent outage
// eventually loses the oldest entries past the cap. That degradation is
// deliberate: admission availability outranks audit completeness.
type Logger struct {
	logger *zap.Logger
	config Config
	store  *Store
	sigs   *rules.Signatures

	mu  sync.Mutex
	buf []Entry

	ctx     pollCtx
	flushCh chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

type pollCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an access logger and starts its flush worker.
func New(config Config, sigs *rules.Signatures, logger *zap.Logger) (*Logger, error) {
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}
	if config.BufferCapacity <= 0 {
		config.BufferCapacity = 1000
	}

	store, err := NewStore(config.Path, config.MaxSizeBytes, config.MaxRotations)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		logger:  logger,
		config:  config,
		store:   store,
		sigs:    sigs,
		buf:     make([]Entry, 0, config.FlushThreshold),
		ctx:     pollCtx{ctx: ctx, cancel: cancel},
		flushCh: make(chan struct{}, 1),
	}

	l.wg.Add(1)
	go l.flushWorker()

	return l, nil
}

// LogAccess scores the entry and buffers it. The threat level is computed
// here, once, from the entry's own fields.
func (l *Logger) LogAccess(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.ThreatLevel = LevelForScore(ThreatScore(&entry, l.sigs))

	l.mu.Lock()
	if len(l.buf) >= l.config.BufferCapacity {
		// Persistent flush outage: shed the oldest entry to hold the cap.
		l.buf = l.buf[1:]
	}
	l.buf = append(l.buf, entry)
	full := len(l.buf) >= l.config.FlushThreshold
	l.mu.Unlock()

	if full {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush writes all buffered entries to the durable store.
func (l *Logger) Flush() error {
	l.mu.Lock()
	if len(l.buf) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.buf
	l.buf = make([]Entry, 0, l.config.FlushThreshold)
	l.mu.Unlock()

	if err := l.store.Append(batch); err != nil {
		// Keep the batch for the next cycle rather than dropping it.
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		if len(l.buf) > l.config.BufferCapacity {
			l.buf = l.buf[len(l.buf)-l.config.BufferCapacity:]
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the flush worker and performs one final flush. Must be
// called on shutdown or buffered entries are lost.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.ctx.cancel()
	l.wg.Wait()
	return l.Flush()
}

// Store exposes the durable store for querying.
func (l *Logger) Store() *Store { return l.store }

func (l *Logger) flushWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-l.flushCh:
		case <-l.ctx.ctx.Done():
			return
		}

		if err := l.Flush(); err != nil {
			l.logger.Error("Access log flush failed, retrying next cycle", zap.Error(err))
		}
	}
}
