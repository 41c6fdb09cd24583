// Package numberedpipe implements the per-session numbered-pipe table:
// a map from a positive integer delay to an anonymous pipe that carries
// one stage's stdout into a stage on a future command line.
package numberedpipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/infoserv/shelld/internal/resourceretry"
)

// ErrInvalidDelay is returned by OpenForWriter when delay is not
// strictly positive. Key 0 is used only by OpenPlainPipeWriter and by
// entries that Age has brought down to 0.
var ErrInvalidDelay = errors.New("numbered pipe delay must be positive")

type entry struct {
	r *os.File
	w *os.File
}

// Table is a session's numbered-pipe table. It is not safe for
// concurrent use by multiple goroutines beyond the synchronization
// Table itself provides; a session's line engine drives one Table
// serially, one line at a time.
type Table struct {
	mu      sync.Mutex
	entries map[int]entry
	log     zerolog.Logger
}

// New returns an empty numbered-pipe table. Transient pipe-creation
// failures (the fork-resource policy's EMFILE/ENFILE case) are logged
// to log.
func New(log zerolog.Logger) *Table {
	return &Table{entries: make(map[int]entry), log: log}
}

// OpenForWriter returns the write end of the pipe at the given delay,
// creating the pipe if no entry with that delay exists yet. delay must
// be a strictly positive integer, matching the `|N` / `!N` operators.
func (t *Table) OpenForWriter(delay int) (*os.File, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("opening numbered pipe for delay %d: %w", delay, ErrInvalidDelay)
	}
	return t.openForWriter(delay)
}

// OpenPlainPipeWriter returns the write end of the pipe at the
// reserved key 0, creating it if necessary. This is how a plain
// intra-line `|` is implemented: it shares the same table as every
// numbered pipe, just at the key that TakeZeroReader consumes on the
// very next stage.
func (t *Table) OpenPlainPipeWriter() (*os.File, error) {
	return t.openForWriter(0)
}

func (t *Table) openForWriter(delay int) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[delay]; ok {
		return e.w, nil
	}

	var r, w *os.File
	err := resourceretry.Do(context.Background(), t.reportRetry, func() error {
		var pipeErr error
		r, w, pipeErr = os.Pipe()
		return pipeErr
	})
	if err != nil {
		return nil, fmt.Errorf("creating numbered pipe for delay %d: %w", delay, err)
	}
	t.entries[delay] = entry{r: r, w: w}
	return w, nil
}

// reportRetry logs a fork-resource-policy retry taken while creating a
// numbered pipe: each attempt at debug, giving up at warn.
func (t *Table) reportRetry(attempt int, err error, exhausted bool) {
	event := t.log.Debug()
	msg := "retrying after transient pipe-creation failure"
	if exhausted {
		event = t.log.Warn()
		msg = "giving up after repeated transient pipe-creation failures"
	}
	event.Int("attempt", attempt).Err(err).Msg(msg)
}

// TakeZeroReader returns the read end of the pipe at key 0, removing
// it from the table, if one exists. If no entry at key 0 exists, it
// returns nil, nil, and the caller should fall back to inherited
// stdin.
func (t *Table) TakeZeroReader() (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[0]
	if !ok {
		return nil, nil
	}
	delete(t.entries, 0)
	if err := e.w.Close(); err != nil {
		return e.r, fmt.Errorf("closing write end of consumed numbered pipe: %w", err)
	}
	return e.r, nil
}

// Age atomically rekeys every entry from key K to key K-1. An entry
// that ages to 0 stays in the table at key 0, ready for
// TakeZeroReader on the following line; Age itself never closes or
// discards an entry, it only decrements its key.
func (t *Table) Age() {
	t.mu.Lock()
	defer t.mu.Unlock()

	aged := make(map[int]entry, len(t.entries))
	for delay, e := range t.entries {
		aged[delay-1] = e
	}
	t.entries = aged
}

// Close closes every pipe end still held by the table. It is called
// when a session logs out, so that no descriptor outlives its owning
// session.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for delay, e := range t.entries {
		_ = e.r.Close()
		_ = e.w.Close()
		delete(t.entries, delay)
	}
}

// Len reports the number of pending entries, for tests asserting the
// aging invariant.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
