// Package journal records route traffic in a sqlite database for
// diagnostics. A Journal is a route.Observer: attach it to a communicator
// and every sent, received, suppressed, dropped and failed message becomes
// a row.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/gatelink/internal/monitoring"
	"github.com/banshee-data/gatelink/internal/route"
	"github.com/banshee-data/gatelink/internal/timeutil"
)

// Event names the kind of journal entry.
type Event string

const (
	EventSent       Event = "sent"
	EventReceived   Event = "received"
	EventSuppressed Event = "suppressed"
	EventDropped    Event = "dropped"
	EventFailed     Event = "failed"
)

// timeLayout keeps stored UTC timestamps fixed width so they sort as text.
const timeLayout = "2006-01-02 15:04:05.000000000-07:00"

// DefaultQueueSize bounds the entries waiting to be written.
const DefaultQueueSize = 1024

var ErrClosed = errors.New("journal closed")

var logf = monitoring.Tagged("journal")

// Options configures Open.
type Options struct {
	DeviceID  string
	Clock     timeutil.Clock
	QueueSize int
}

// Entry is one journaled route event.
type Entry struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Event      Event     `json:"event"`
	Route      string    `json:"route"`
	Payload    *string   `json:"payload"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Journal writes entries on a single background goroutine so observers
// never wait on sqlite. When the queue is full entries are discarded and
// counted.
type Journal struct {
	db     *sql.DB
	path   string
	device string
	clock  timeutil.Clock

	queue     chan queued
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	discarded atomic.Uint64
}

// Open opens (creating if needed) the journal database at path and brings
// its schema up to date.
func Open(path string, opts Options) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps ":memory:"
	// databases shared between queries
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	j := &Journal{
		db:     db,
		path:   path,
		device: opts.DeviceID,
		clock:  clock,
		queue:  make(chan queued, size),
		done:   make(chan struct{}),
	}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	go j.writeLoop()
	return j, nil
}

// queued is an entry to write, or a flush marker when ack is set.
type queued struct {
	entry Entry
	ack   chan struct{}
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for q := range j.queue {
		if q.ack != nil {
			close(q.ack)
			continue
		}
		if err := j.insert(q.entry); err != nil {
			logf("write %s %s: %v", q.entry.Event, q.entry.Route, err)
		}
	}
}

func (j *Journal) insert(e Entry) error {
	var payload sql.NullString
	if e.Payload != nil {
		payload = sql.NullString{String: *e.Payload, Valid: true}
	}
	var reason sql.NullString
	if e.Reason != "" {
		reason = sql.NullString{String: e.Reason, Valid: true}
	}
	_, err := j.db.Exec(`INSERT INTO messages (device_id, event, route, payload, is_ping, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.DeviceID, string(e.Event), e.Route, payload, e.Payload == nil, reason, e.RecordedAt.UTC().Format(timeLayout))
	return err
}

// Record queues an entry. It never blocks.
func (j *Journal) Record(event Event, path route.Path, payload *string, reason error) {
	e := Entry{
		DeviceID:   j.device,
		Event:      event,
		Route:      path.String(),
		Payload:    payload,
		RecordedAt: j.clock.Now(),
	}
	if reason != nil {
		e.Reason = reason.Error()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- queued{entry: e}:
	default:
		if j.discarded.Add(1) == 1 {
			logf("queue full, discarding entries")
		}
	}
}

// Discarded returns how many entries were lost to a full queue.
func (j *Journal) Discarded() uint64 { return j.discarded.Load() }

func (j *Journal) MessageSent(m route.Message) { j.Record(EventSent, m.Path, m.Payload, nil) }

func (j *Journal) MessageReceived(m route.Message) { j.Record(EventReceived, m.Path, m.Payload, nil) }

func (j *Journal) MessageSuppressed(p route.Path) { j.Record(EventSuppressed, p, nil, nil) }

func (j *Journal) MessageDropped(m route.Message, reason error) {
	j.Record(EventDropped, m.Path, m.Payload, reason)
}

func (j *Journal) RouteFailed(err *route.Error) {
	j.Record(EventFailed, err.Path, nil, err)
}

// Flush waits until every entry queued before the call is written.
func (j *Journal) Flush() {
	ack := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		<-j.done
		return
	}
	j.queue <- queued{ack: ack}
	j.mu.RUnlock()
	<-ack
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`SELECT message_id, device_id, event, route, payload, reason, recorded_at
		FROM messages ORDER BY message_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			event   string
			payload sql.NullString
			reason  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &event, &e.Route, &payload, &reason, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Event = Event(event)
		if payload.Valid {
			s := payload.String
			e.Payload = &s
		}
		e.Reason = reason.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Counts returns the number of entries per event.
func (j *Journal) Counts() (map[Event]int64, error) {
	rows, err := j.db.Query(`SELECT event, COUNT(*) FROM messages GROUP BY event`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Event]int64)
	for rows.Next() {
		var event string
		var n int64
		if err := rows.Scan(&event, &n); err != nil {
			return nil, err
		}
		counts[Event(event)] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries recorded before cutoff and returns how many went.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM messages WHERE recorded_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close writes the queued entries and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()
		<-j.done
		err = j.db.Close()
	})
	return err
}
