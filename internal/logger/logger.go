// Package logger implements a non-blocking, batched usage event log.
//
// Every metered call produces a UsageEvent. Events go to a buffered channel
// and are flushed in batches by a background goroutine, so recording usage
// never waits on the event sink. If the channel fills up (> 10 000 entries)
// new events are dropped and counted in Dropped.
//
// The event log is an audit/analytics stream; usage aggregates used for
// quota and reporting are written separately and synchronously.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second
)

// UsageEvent is one applied usage record.
type UsageEvent struct {
	CallID           string
	KeyID            string
	ChannelID        string
	Model            string
	Outcome          string
	Day              string
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
	CostNanos        int64
	PriceVersion     string
	CreatedAt        time.Time
}

// Writer persists a batch of events.
type Writer interface {
	WriteBatch(ctx context.Context, events []UsageEvent) error
}

// Logger buffers events and hands them to a Writer in batches.
type Logger struct {
	ch        chan UsageEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped       int64
	writeFailures int64

	baseCtx context.Context
	writer  Writer
	log     *slog.Logger
}

// New starts a Logger writing through w. A nil w writes events through
// slogger.
func New(ctx context.Context, w Writer, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if w == nil {
		w = NewSlogWriter(slogger)
	}

	l := &Logger{
		ch:      make(chan UsageEvent, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		writer:  w,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues e. Never blocks.
func (l *Logger) Log(e UsageEvent) {
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped is the number of events discarded because the buffer was full.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// WriteFailures is the number of batches the writer rejected.
func (l *Logger) WriteFailures() int64 {
	return atomic.LoadInt64(&l.writeFailures)
}

// Close flushes buffered events and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageEvent, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// The base context may already be cancelled during shutdown; the
		// final flush still gets a bounded window.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), writeTimeout)
		if err := l.writer.WriteBatch(ctx, batch); err != nil {
			atomic.AddInt64(&l.writeFailures, 1)
			l.log.Error("usage_event_write_failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogWriter writes each event as one structured log line.
type SlogWriter struct {
	log *slog.Logger
}

// NewSlogWriter returns a Writer backed by log.
func NewSlogWriter(log *slog.Logger) *SlogWriter {
	return &SlogWriter{log: log}
}

// WriteBatch implements Writer.
func (w *SlogWriter) WriteBatch(ctx context.Context, events []UsageEvent) error {
	for _, e := range events {
		w.log.InfoContext(ctx, "usage_event",
			slog.String("call_id", e.CallID),
			slog.String("key_id", e.KeyID),
			slog.String("channel_id", e.ChannelID),
			slog.String("model", e.Model),
			slog.String("outcome", e.Outcome),
			slog.String("day", e.Day),
			slog.Int64("input_tokens", e.InputTokens),
			slog.Int64("output_tokens", e.OutputTokens),
			slog.Int64("cache_write_tokens", e.CacheWriteTokens),
			slog.Int64("cache_read_tokens", e.CacheReadTokens),
			slog.Int64("cost_nanos", e.CostNanos),
			slog.String("price_version", e.PriceVersion),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
