package vm

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ternlang/tern/values"
)

// SQLiteStorage persists a whole session in a SQLite database: one row per
// vmid, one per activation record, one per future, plus a session row for
// the result/broken/finished flags. Pointer and vmid allocation are
// monotonic per session. Scoped locks are in-process; every mutation is
// written through immediately, so a session database can be inspected (or
// resumed by a diagnostic tool) after the process exits.
type SQLiteStorage struct {
	db *sql.DB

	mu          sync.Mutex
	arecLocks   map[ArecPtr]*sync.Mutex
	futureLocks map[int]*sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	vmid      INTEGER PRIMARY KEY,
	top_level INTEGER NOT NULL,
	stopped   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS arecs (
	ptr       INTEGER PRIMARY KEY,
	rec       TEXT,
	ref_count INTEGER NOT NULL DEFAULT 0,
	live      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS states (
	vmid  INTEGER PRIMARY KEY,
	state TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS futures (
	vmid INTEGER PRIMARY KEY,
	fut  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	id       INTEGER PRIMARY KEY CHECK (id = 0),
	result   TEXT,
	broken   INTEGER NOT NULL DEFAULT 0,
	finished INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO session (id) VALUES (0);
`

// NewSQLiteStorage opens (or creates) a session database. Use ":memory:" for
// an ephemeral database.
func NewSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// The driver is safe for concurrent use but a single connection avoids
	// SQLITE_BUSY on write contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &SQLiteStorage{
		db:          db,
		arecLocks:   make(map[ArecPtr]*sync.Mutex),
		futureLocks: make(map[int]*sync.Mutex),
	}, nil
}

func (s *SQLiteStorage) NewThread(topLevel bool) (int, error) {
	var vmid int
	err := s.db.QueryRow(
		`INSERT INTO threads (vmid, top_level, stopped)
		 VALUES ((SELECT COALESCE(MAX(vmid), -1) + 1 FROM threads), ?, 0)
		 RETURNING vmid`, boolInt(topLevel),
	).Scan(&vmid)
	if err != nil {
		return 0, fmt.Errorf("allocate vmid: %w", err)
	}
	return vmid, nil
}

func (s *SQLiteStorage) IsTopLevel(vmid int) bool {
	var top int
	if err := s.db.QueryRow(`SELECT top_level FROM threads WHERE vmid = ?`, vmid).Scan(&top); err != nil {
		return false
	}
	return top != 0
}

func (s *SQLiteStorage) NewArec() (ArecPtr, error) {
	var ptr int
	err := s.db.QueryRow(
		`INSERT INTO arecs (ptr, ref_count, live)
		 VALUES ((SELECT COALESCE(MAX(ptr), -1) + 1 FROM arecs), 0, 0)
		 RETURNING ptr`,
	).Scan(&ptr)
	if err != nil {
		return ArecNone, fmt.Errorf("allocate arec: %w", err)
	}
	return ArecPtr(ptr), nil
}

func (s *SQLiteStorage) GetArec(ptr ArecPtr) (*ActivationRecord, error) {
	var raw string
	var refCount int
	err := s.db.QueryRow(
		`SELECT rec, ref_count FROM arecs WHERE ptr = ? AND live = 1`, int(ptr),
	).Scan(&raw, &refCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrDanglingArec, ptr)
	}
	if err != nil {
		return nil, fmt.Errorf("read arec %d: %w", ptr, err)
	}
	var rec ActivationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode arec %d: %w", ptr, err)
	}
	rec.RefCount = refCount
	return &rec, nil
}

func (s *SQLiteStorage) SetArec(ptr ArecPtr, rec *ActivationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode arec %d: %w", ptr, err)
	}
	_, err = s.db.Exec(
		`UPDATE arecs SET rec = ?, ref_count = ?, live = 1 WHERE ptr = ?`,
		string(raw), rec.RefCount, int(ptr),
	)
	if err != nil {
		return fmt.Errorf("write arec %d: %w", ptr, err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteArec(ptr ArecPtr) error {
	// The row is kept (marked not live) so that MAX(ptr) never goes down and
	// a freed pointer is never handed out again.
	res, err := s.db.Exec(`UPDATE arecs SET live = 0 WHERE ptr = ? AND live = 1`, int(ptr))
	if err != nil {
		return fmt.Errorf("delete arec %d: %w", ptr, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrDanglingArec, ptr)
	}
	return nil
}

func (s *SQLiteStorage) IncrementRef(ptr ArecPtr) (int, error) {
	var count int
	err := s.db.QueryRow(
		`UPDATE arecs SET ref_count = ref_count + 1 WHERE ptr = ? AND live = 1 RETURNING ref_count`,
		int(ptr),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrDanglingArec, ptr)
	}
	if err != nil {
		return 0, fmt.Errorf("increment ref %d: %w", ptr, err)
	}
	return count, nil
}

func (s *SQLiteStorage) DecrementRef(ptr ArecPtr) (int, error) {
	var count int
	err := s.db.QueryRow(
		`UPDATE arecs SET ref_count = ref_count - 1 WHERE ptr = ? AND live = 1 RETURNING ref_count`,
		int(ptr),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrDanglingArec, ptr)
	}
	if err != nil {
		return 0, fmt.Errorf("decrement ref %d: %w", ptr, err)
	}
	if count < 0 {
		return 0, fmt.Errorf("%w: %d", ErrRefCountUnderflow, ptr)
	}
	return count, nil
}

func (s *SQLiteStorage) LiveArecs() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM arecs WHERE live = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count arecs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) GetState(vmid int) (*State, error) {
	var raw string
	err := s.db.QueryRow(`SELECT state FROM states WHERE vmid = ?`, vmid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchMachine, vmid)
	}
	if err != nil {
		return nil, fmt.Errorf("read state %d: %w", vmid, err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode state %d: %w", vmid, err)
	}
	return &st, nil
}

func (s *SQLiteStorage) SetState(vmid int, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state %d: %w", vmid, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO states (vmid, state) VALUES (?, ?)
		 ON CONFLICT (vmid) DO UPDATE SET state = excluded.state`,
		vmid, string(raw),
	)
	if err != nil {
		return fmt.Errorf("write state %d: %w", vmid, err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteState(vmid int) error {
	if _, err := s.db.Exec(`DELETE FROM states WHERE vmid = ?`, vmid); err != nil {
		return fmt.Errorf("delete state %d: %w", vmid, err)
	}
	return nil
}

func (s *SQLiteStorage) GetFuture(vmid int) (*Future, error) {
	var raw string
	err := s.db.QueryRow(`SELECT fut FROM futures WHERE vmid = ?`, vmid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no future for %d", ErrNoSuchMachine, vmid)
	}
	if err != nil {
		return nil, fmt.Errorf("read future %d: %w", vmid, err)
	}
	var fut Future
	if err := json.Unmarshal([]byte(raw), &fut); err != nil {
		return nil, fmt.Errorf("decode future %d: %w", vmid, err)
	}
	return &fut, nil
}

func (s *SQLiteStorage) SetFuture(vmid int, fut *Future) error {
	raw, err := json.Marshal(fut)
	if err != nil {
		return fmt.Errorf("encode future %d: %w", vmid, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO futures (vmid, fut) VALUES (?, ?)
		 ON CONFLICT (vmid) DO UPDATE SET fut = excluded.fut`,
		vmid, string(raw),
	)
	if err != nil {
		return fmt.Errorf("write future %d: %w", vmid, err)
	}
	return nil
}

func (s *SQLiteStorage) AddContinuation(vmid, waiter int) error {
	fut, err := s.GetFuture(vmid)
	if err != nil {
		return err
	}
	fut.Continuations = append(fut.Continuations, waiter)
	return s.SetFuture(vmid, fut)
}

func (s *SQLiteStorage) LockArec(ptr ArecPtr) func() {
	s.mu.Lock()
	lock, ok := s.arecLocks[ptr]
	if !ok {
		lock = &sync.Mutex{}
		s.arecLocks[ptr] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *SQLiteStorage) LockFuture(vmid int) func() {
	s.mu.Lock()
	lock, ok := s.futureLocks[vmid]
	if !ok {
		lock = &sync.Mutex{}
		s.futureLocks[vmid] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *SQLiteStorage) SetStopped(vmid int, stopped bool) error {
	res, err := s.db.Exec(`UPDATE threads SET stopped = ? WHERE vmid = ?`, boolInt(stopped), vmid)
	if err != nil {
		return fmt.Errorf("mark stopped %d: %w", vmid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNoSuchMachine, vmid)
	}
	return nil
}

func (s *SQLiteStorage) AllStopped() bool {
	var running int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM threads WHERE stopped = 0`).Scan(&running); err != nil {
		return false
	}
	return running == 0
}

func (s *SQLiteStorage) Machines() []int {
	rows, err := s.db.Query(`SELECT vmid FROM threads ORDER BY vmid`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var vmid int
		if err := rows.Scan(&vmid); err != nil {
			return out
		}
		out = append(out, vmid)
	}
	return out
}

func (s *SQLiteStorage) SetResult(v *values.Value) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE session SET result = ? WHERE id = 0`, string(raw)); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Result() (*values.Value, bool) {
	var raw sql.NullString
	if err := s.db.QueryRow(`SELECT result FROM session WHERE id = 0`).Scan(&raw); err != nil {
		return nil, false
	}
	if !raw.Valid {
		return nil, false
	}
	var v values.Value
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, false
	}
	return &v, true
}

func (s *SQLiteStorage) SetBroken() error {
	_, err := s.db.Exec(`UPDATE session SET broken = 1 WHERE id = 0`)
	return err
}

func (s *SQLiteStorage) Broken() bool {
	var broken int
	if err := s.db.QueryRow(`SELECT broken FROM session WHERE id = 0`).Scan(&broken); err != nil {
		return false
	}
	return broken != 0
}

func (s *SQLiteStorage) SetFinished() error {
	_, err := s.db.Exec(`UPDATE session SET finished = 1 WHERE id = 0`)
	return err
}

func (s *SQLiteStorage) Finished() bool {
	var finished int
	if err := s.db.QueryRow(`SELECT finished FROM session WHERE id = 0`).Scan(&finished); err != nil {
		return false
	}
	return finished != 0
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
