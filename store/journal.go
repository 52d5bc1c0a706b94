package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatesight/facecount/event"
	"github.com/gatesight/facecount/identity"
)

// Writer is the destination of journaled writes. Satisfied by *Store.
type Writer interface {
	UpsertVisitor(v identity.Visitor) error
	AppendEvent(ev event.Event) error
}

// JournalParams sizes the write-behind buffer and its retry policy.
type JournalParams struct {
	// BufferSize bounds the in-memory queue. On overflow the oldest
	// entries are dropped with an error report.
	BufferSize int
	// MaxRetries is how many extra attempts a failing write gets before
	// the entry goes back to the buffer.
	MaxRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
}

// DefaultJournalParams returns the documented defaults.
func DefaultJournalParams() JournalParams {
	return JournalParams{
		BufferSize:   256,
		MaxRetries:   3,
		RetryBackoff: 50 * time.Millisecond,
	}
}

type journalEntry struct {
	visitor *identity.Visitor
	event   *event.Event
}

func (e journalEntry) write(w Writer) error {
	if e.visitor != nil {
		return w.UpsertVisitor(*e.visitor)
	}
	return w.AppendEvent(*e.event)
}

func (e journalEntry) kind() string {
	if e.visitor != nil {
		return "visitor"
	}
	return "event"
}

// Journal decouples the frame loop from storage trouble. Writes are queued
// and applied on a background goroutine with retry and backoff; when retries
// exhaust, the entry is held in the buffer for a later cycle. Enqueueing
// never blocks: a full buffer drops its oldest entries instead.
type Journal struct {
	store     Writer
	params    JournalParams
	queue     chan journalEntry
	done      chan struct{}
	finished  chan struct{}
	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewJournal starts the journal worker over the given writer.
func NewJournal(store Writer, params JournalParams) *Journal {
	j := &Journal{
		store:    store,
		params:   params,
		queue:    make(chan journalEntry, params.BufferSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go j.run()
	return j
}

// RecordVisitor queues a visitor upsert.
func (j *Journal) RecordVisitor(v identity.Visitor) {
	j.enqueue(journalEntry{visitor: &v})
}

// RecordEvent queues an event append.
func (j *Journal) RecordEvent(ev event.Event) {
	j.enqueue(journalEntry{event: &ev})
}

// Dropped returns how many entries were lost to buffer overflow or shutdown.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close stops the worker after draining what is buffered, giving each
// remaining entry one final write attempt. Returns early when ctx expires.
func (j *Journal) Close(ctx context.Context) error {
	j.closeOnce.Do(func() { close(j.done) })
	select {
	case <-j.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) enqueue(e journalEntry) {
	for {
		select {
		case j.queue <- e:
			return
		default:
		}
		select {
		case old := <-j.queue:
			j.dropped.Add(1)
			slog.Error("journal: buffer overflow, dropping oldest entry", "kind", old.kind())
		default:
		}
	}
}

func (j *Journal) run() {
	defer close(j.finished)
	for {
		select {
		case <-j.done:
			j.drain()
			return
		case e := <-j.queue:
			j.apply(e)
		}
	}
}

// apply writes one entry, retrying with exponential backoff. An entry that
// still fails is re-buffered rather than lost, trading order for survival.
func (j *Journal) apply(e journalEntry) {
	backoff := j.params.RetryBackoff
	var err error
	for attempt := 0; attempt <= j.params.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-j.done:
				// Shutting down: no point waiting out the backoff
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = e.write(j.store); err == nil {
			return
		}
	}
	slog.Error("journal: write retries exhausted, re-buffering entry",
		"kind", e.kind(),
		"error", err)
	j.enqueue(e)
}

// drain gives every buffered entry one final attempt.
func (j *Journal) drain() {
	for {
		select {
		case e := <-j.queue:
			if err := e.write(j.store); err != nil {
				j.dropped.Add(1)
				slog.Error("journal: dropping entry at shutdown",
					"kind", e.kind(),
					"error", err)
			}
		default:
			return
		}
	}
}
