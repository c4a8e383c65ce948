// Package state persists the relayer's restart-critical records: the scan
// cursor, the watch-list and the failure ledger. Each record is one key,
// rewritten wholesale on every change.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/storage"
)

// Record keys inside the relayer namespace.
var (
	keyCursor    = []byte("cursor")
	keyWatchList = []byte("watchlist")
	keyFailures  = []byte("failures")
)

// Namespace is the key prefix the relayer uses in a shared database.
const Namespace = "relayer/"

// ErrCursorRegression is returned when a write would move the cursor back.
var ErrCursorRegression = errors.New("scan cursor cannot move backwards")

// Store owns the persisted records. The watch-list has two writers (the
// tick scanner and the live listener); every watch-list mutation runs the
// read-merge-persist sequence under mu.
type Store struct {
	db     storage.DB
	logger zerolog.Logger

	mu    sync.Mutex
	watch []ledger.SubID
	index map[ledger.SubID]struct{}
}

// Open wraps db (namespaced under Namespace) and loads the watch-list.
// Unreadable records are treated as empty and logged.
func Open(db storage.DB, logger zerolog.Logger) *Store {
	s := &Store{
		db:     storage.NewPrefixDB(db, []byte(Namespace)),
		logger: logger,
		index:  make(map[ledger.SubID]struct{}),
	}
	for _, id := range s.loadWatchList() {
		if _, ok := s.index[id]; ok {
			continue
		}
		s.index[id] = struct{}{}
		s.watch = append(s.watch, id)
	}
	return s
}

// ── Cursor ──────────────────────────────────────────────────────────────

// Cursor returns the next block to scan. ok is false when no cursor has
// been persisted yet or the record is corrupt.
func (s *Store) Cursor() (next uint64, ok bool, err error) {
	data, err := s.db.Get(keyCursor)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor: %w", err)
	}
	n, perr := strconv.ParseUint(string(data), 10, 64)
	if perr != nil {
		s.logger.Warn().Err(perr).Str("raw", string(data)).Msg("Scan cursor is corrupt, treating as unset")
		return 0, false, nil
	}
	return n, true, nil
}

// SetCursor persists next as the scan cursor.
func (s *Store) SetCursor(next uint64) error {
	if err := s.checkCursor(next); err != nil {
		return err
	}
	if err := s.db.Put(keyCursor, encodeCursor(next)); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

func (s *Store) checkCursor(next uint64) error {
	cur, ok, err := s.Cursor()
	if err != nil {
		return err
	}
	if ok && next < cur {
		return fmt.Errorf("%w: %d -> %d", ErrCursorRegression, cur, next)
	}
	return nil
}

func encodeCursor(n uint64) []byte {
	return []byte(strconv.FormatUint(n, 10))
}

// ── Watch-list ──────────────────────────────────────────────────────────

func (s *Store) loadWatchList() []ledger.SubID {
	data, err := s.db.Get(keyWatchList)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Watch-list unreadable, starting empty")
		return nil
	}
	var ids []ledger.SubID
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn().Err(err).Msg("Watch-list is corrupt, starting empty")
		return nil
	}
	return ids
}

// WatchList returns a copy of the watch-list in order of first insertion.
func (s *Store) WatchList() []ledger.SubID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.SubID(nil), s.watch...)
}

// WatchLen returns the number of watched subscriptions.
func (s *Store) WatchLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watch)
}

// Contains reports whether id is on the watch-list.
func (s *Store) Contains(id ledger.SubID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Merge adds ids to the watch-list (set union, first-insertion order) and
// persists it. It returns how many ids were new. Nothing is written when
// every id is already known.
func (s *Store) Merge(ids ...ledger.SubID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, fresh := s.union(ids)
	if len(fresh) == 0 {
		return 0, nil
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return 0, fmt.Errorf("encode watch-list: %w", err)
	}
	if err := s.db.Put(keyWatchList, data); err != nil {
		return 0, fmt.Errorf("write watch-list: %w", err)
	}
	s.apply(merged, fresh)
	return len(fresh), nil
}

// CommitChunk merges the ids found in a scanned block range and advances
// the cursor to next in one atomic write.
func (s *Store) CommitChunk(ids []ledger.SubID, next uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCursor(next); err != nil {
		return 0, err
	}

	merged, fresh := s.union(ids)
	b := storage.NewBatch(s.db)
	if len(fresh) > 0 {
		data, err := json.Marshal(merged)
		if err != nil {
			return 0, fmt.Errorf("encode watch-list: %w", err)
		}
		if err := b.Put(keyWatchList, data); err != nil {
			return 0, fmt.Errorf("stage watch-list: %w", err)
		}
	}
	if err := b.Put(keyCursor, encodeCursor(next)); err != nil {
		return 0, fmt.Errorf("stage cursor: %w", err)
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("commit chunk: %w", err)
	}
	s.apply(merged, fresh)
	return len(fresh), nil
}

// union returns the would-be watch-list and the ids not yet present.
// Caller holds mu.
func (s *Store) union(ids []ledger.SubID) (merged, fresh []ledger.SubID) {
	seen := make(map[ledger.SubID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return s.watch, nil
	}
	merged = make([]ledger.SubID, 0, len(s.watch)+len(fresh))
	merged = append(merged, s.watch...)
	merged = append(merged, fresh...)
	return merged, fresh
}

// apply swaps in a persisted watch-list. Caller holds mu.
func (s *Store) apply(merged, fresh []ledger.SubID) {
	s.watch = merged
	for _, id := range fresh {
		s.index[id] = struct{}{}
	}
}

// ── Failure ledger ──────────────────────────────────────────────────────

// Failures loads the failure ledger. A corrupt record loads as empty.
func (s *Store) Failures() (map[ledger.SubID]FailureRecord, error) {
	out := make(map[ledger.SubID]FailureRecord)
	data, err := s.db.Get(keyFailures)
	if errors.Is(err, storage.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read failure ledger: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		s.logger.Warn().Err(err).Msg("Failure ledger is corrupt, starting empty")
		return make(map[ledger.SubID]FailureRecord), nil
	}
	return out, nil
}

// SaveFailures rewrites the whole failure ledger.
func (s *Store) SaveFailures(recs map[ledger.SubID]FailureRecord) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode failure ledger: %w", err)
	}
	if err := s.db.Put(keyFailures, data); err != nil {
		return fmt.Errorf("write failure ledger: %w", err)
	}
	return nil
}
