// Package gclog keeps a history of collection runs in a SQLite database.
package gclog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/gencollect/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("gencollect.gclog")

const schema = `CREATE TABLE IF NOT EXISTS collections (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	session           TEXT    NOT NULL,
	sequence          INTEGER NOT NULL,
	is_full           INTEGER NOT NULL,
	participants      INTEGER NOT NULL,
	stolen            INTEGER NOT NULL,
	copied            INTEGER NOT NULL,
	promoted          INTEGER NOT NULL,
	promoted_bytes    INTEGER NOT NULL,
	marked            INTEGER NOT NULL,
	freed_nursery     INTEGER NOT NULL,
	freed_gen2        INTEGER NOT NULL,
	stables_freed     INTEGER NOT NULL,
	scs_dropped       INTEGER NOT NULL,
	threads_destroyed INTEGER NOT NULL,
	batches_sent      INTEGER NOT NULL,
	duration_ns       INTEGER NOT NULL,
	recorded_at       INTEGER NOT NULL
)`

const columns = `session, sequence, is_full, participants, stolen, copied, promoted,
	promoted_bytes, marked, freed_nursery, freed_gen2, stables_freed,
	scs_dropped, threads_destroyed, batches_sent, duration_ns, recorded_at`

// Entry is one recorded run.
type Entry struct {
	Session string
	vm.CollectionStats
}

// Totals aggregates recorded runs.
type Totals struct {
	Runs          int64
	FullRuns      int64
	Copied        int64
	Promoted      int64
	PromotedBytes int64
	FreedNursery  int64
	FreedGen2     int64
	Duration      time.Duration
}

// Store is a collection history database. Each Store gets its own session
// id so several processes can share one file.
type Store struct {
	db      *sql.DB
	session string

	mu      sync.Mutex
	pending []vm.CollectionStats
}

// Open opens or creates the history database at path. ":memory:" gives a
// private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// writes are serialized anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, session: uuid.NewString()}, nil
}

// Session returns the id stamped on every row this store writes.
func (s *Store) Session() string { return s.session }

// Close flushes pending runs and closes the database.
func (s *Store) Close() error {
	ferr := s.Flush()
	if err := s.db.Close(); err != nil {
		return err
	}
	return ferr
}

// Hook returns a callback for vm.Instance.OnCollection. It only queues
// the statistics: the callback runs while every mutator is stopped, so
// the database write is left to Flush.
func (s *Store) Hook() func(*vm.CollectionStats) {
	return func(stats *vm.CollectionStats) {
		s.mu.Lock()
		s.pending = append(s.pending, *stats)
		s.mu.Unlock()
	}
}

// Flush writes every queued run in one transaction.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	for i := range pending {
		if err := insert(tx, s.session, &pending[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %d runs: %w", len(pending), err)
	}
	log.Debugf("recorded %d collection runs", len(pending))
	return nil
}

// Record writes one run immediately.
func (s *Store) Record(stats *vm.CollectionStats) error {
	return insert(s.db, s.session, stats)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insert(db execer, session string, st *vm.CollectionStats) error {
	_, err := db.Exec(
		"INSERT INTO collections ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		session, st.Sequence, st.Full, st.Participants, st.Stolen, st.Copied, st.Promoted,
		st.PromotedBytes, st.Marked, st.FreedNursery, st.FreedGen2, st.STablesFreed,
		st.SCsDropped, st.ThreadsDestroyed, st.BatchesSent, int64(st.Duration), st.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording collection %d: %w", st.Sequence, err)
	}
	return nil
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	rows, err := s.db.Query("SELECT "+columns+" FROM collections ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e              Entry
			full           int64
			dur, timestamp int64
		)
		err := rows.Scan(&e.Session, &e.Sequence, &full, &e.Participants, &e.Stolen,
			&e.Copied, &e.Promoted, &e.PromotedBytes, &e.Marked, &e.FreedNursery,
			&e.FreedGen2, &e.STablesFreed, &e.SCsDropped, &e.ThreadsDestroyed,
			&e.BatchesSent, &dur, &timestamp)
		if err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.Full = full != 0
		e.Duration = time.Duration(dur)
		e.Timestamp = time.Unix(0, timestamp)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Totals aggregates the runs of one session, or of every session when
// session is empty.
func (s *Store) Totals(session string) (Totals, error) {
	var t Totals
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(is_full), 0),
		COALESCE(SUM(copied), 0), COALESCE(SUM(promoted), 0),
		COALESCE(SUM(promoted_bytes), 0), COALESCE(SUM(freed_nursery), 0),
		COALESCE(SUM(freed_gen2), 0), COALESCE(SUM(duration_ns), 0)
		FROM collections WHERE ? = '' OR session = ?`, session, session).Scan(
		&t.Runs, &t.FullRuns, &t.Copied, &t.Promoted, &t.PromotedBytes,
		&t.FreedNursery, &t.FreedGen2, &t.Duration)
	if err != nil {
		return Totals{}, fmt.Errorf("totalling history: %w", err)
	}
	return t, nil
}
