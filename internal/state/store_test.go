package state

import (
	"errors"
	"sync"
	"testing"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/ledger/ledgertest"
	"github.com/Klingon-tech/recurve-relayer/internal/log"
	"github.com/Klingon-tech/recurve-relayer/internal/storage"
)

func testStore(t *testing.T) (*Store, storage.DB) {
	t.Helper()
	db := storage.NewMemory()
	return Open(db, log.Nop()), db
}

func TestCursor_Unset(t *testing.T) {
	s, _ := testStore(t)
	_, ok, err := s.Cursor()
	if err != nil {
		t.Fatalf("Cursor() error: %v", err)
	}
	if ok {
		t.Error("fresh store should have no cursor")
	}
}

func TestCursor_NonRegression(t *testing.T) {
	s, _ := testStore(t)

	if err := s.SetCursor(101); err != nil {
		t.Fatalf("SetCursor(101): %v", err)
	}
	if err := s.SetCursor(101); err != nil {
		t.Errorf("SetCursor to the same value should succeed: %v", err)
	}
	if err := s.SetCursor(50); !errors.Is(err, ErrCursorRegression) {
		t.Errorf("SetCursor(50) error = %v, want ErrCursorRegression", err)
	}
	next, ok, _ := s.Cursor()
	if !ok || next != 101 {
		t.Errorf("Cursor() = %d, %v; want 101, true", next, ok)
	}
}

func TestCursor_Corrupt(t *testing.T) {
	s, db := testStore(t)
	db.Put([]byte(Namespace+"cursor"), []byte("not-a-number"))

	_, ok, err := s.Cursor()
	if err != nil {
		t.Fatalf("Cursor() error: %v", err)
	}
	if ok {
		t.Error("corrupt cursor should read as unset")
	}
}

func TestMerge_Idempotent(t *testing.T) {
	s, _ := testStore(t)
	a, b := ledgertest.ID(0xAA), ledgertest.ID(0xBB)

	n, err := s.Merge(a, b, a)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if n != 2 {
		t.Errorf("Merge added %d, want 2", n)
	}
	n, err = s.Merge(b, a)
	if err != nil {
		t.Fatalf("Merge again: %v", err)
	}
	if n != 0 {
		t.Errorf("re-merge added %d, want 0", n)
	}

	got := s.WatchList()
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("WatchList() = %v, want [a b]", got)
	}
	if !s.Contains(a) || s.Contains(ledgertest.ID(0xCC)) {
		t.Error("Contains() mismatch")
	}
}

func TestMerge_Persists(t *testing.T) {
	s, db := testStore(t)
	a, b := ledgertest.ID(0xAA), ledgertest.ID(0xBB)
	s.Merge(a)
	s.Merge(b)

	reopened := Open(db, log.Nop())
	got := reopened.WatchList()
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("reopened WatchList() = %v", got)
	}
}

func TestWatchList_Corrupt(t *testing.T) {
	db := storage.NewMemory()
	db.Put([]byte(Namespace+"watchlist"), []byte("{garbage"))

	s := Open(db, log.Nop())
	if s.WatchLen() != 0 {
		t.Errorf("corrupt watch-list should load empty, got %d", s.WatchLen())
	}
	if _, err := s.Merge(ledgertest.ID(1)); err != nil {
		t.Fatalf("Merge after corruption: %v", err)
	}
	if Open(db, log.Nop()).WatchLen() != 1 {
		t.Error("watch-list should be rewritten after corruption")
	}
}

func TestCommitChunk(t *testing.T) {
	s, db := testStore(t)
	a := ledgertest.ID(0xAA)

	n, err := s.CommitChunk([]ledger.SubID{a}, 101)
	if err != nil {
		t.Fatalf("CommitChunk: %v", err)
	}
	if n != 1 {
		t.Errorf("added %d, want 1", n)
	}

	// An empty chunk still advances the cursor.
	if _, err := s.CommitChunk(nil, 601); err != nil {
		t.Fatalf("CommitChunk(empty): %v", err)
	}

	reopened := Open(db, log.Nop())
	next, ok, _ := reopened.Cursor()
	if !ok || next != 601 {
		t.Errorf("Cursor() = %d, want 601", next)
	}
	if got := reopened.WatchList(); len(got) != 1 || got[0] != a {
		t.Errorf("WatchList() = %v", got)
	}
}

func TestCommitChunk_RegressionLeavesStateUntouched(t *testing.T) {
	s, _ := testStore(t)
	s.SetCursor(500)

	_, err := s.CommitChunk([]ledger.SubID{ledgertest.ID(1)}, 100)
	if !errors.Is(err, ErrCursorRegression) {
		t.Fatalf("CommitChunk error = %v, want ErrCursorRegression", err)
	}
	if s.WatchLen() != 0 {
		t.Error("rejected chunk must not touch the watch-list")
	}
}

// Re-processing a chunk after a crash (cursor not advanced) yields the same
// watch-list as processing it once.
func TestCommitChunk_ReplayEquivalent(t *testing.T) {
	ids := []ledger.SubID{ledgertest.ID(1), ledgertest.ID(2)}

	once, _ := testStore(t)
	once.CommitChunk(ids, 200)

	twice, _ := testStore(t)
	twice.Merge(ids...) // partial progress before a crash
	twice.CommitChunk(ids, 200)

	a, b := once.WatchList(), twice.WatchList()
	if len(a) != len(b) {
		t.Fatalf("len mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("[%d] %s vs %s", i, a[i], b[i])
		}
	}
}

func TestFailures_RoundTrip(t *testing.T) {
	s, _ := testStore(t)
	next := int64(1700003600)
	recs := map[ledger.SubID]FailureRecord{
		ledgertest.ID(0xBB): {FailCount: 1, LastAttempt: 1700000000, NextRetry: &next, Reason: "boom", Status: StatusPending},
		ledgertest.ID(0xCC): {FailCount: 5, LastAttempt: 1700000000, Reason: "gone", Status: StatusChurned},
	}
	if err := s.SaveFailures(recs); err != nil {
		t.Fatalf("SaveFailures: %v", err)
	}

	got, err := s.Failures()
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	bb := got[ledgertest.ID(0xBB)]
	if bb.NextRetry == nil || *bb.NextRetry != next || bb.IsChurned() {
		t.Errorf("pending record = %+v", bb)
	}
	cc := got[ledgertest.ID(0xCC)]
	if cc.NextRetry != nil || !cc.IsChurned() {
		t.Errorf("churned record = %+v", cc)
	}
	if !cc.NextRetryTime().IsZero() {
		t.Error("churned NextRetryTime should be zero")
	}
}

func TestFailures_Corrupt(t *testing.T) {
	s, db := testStore(t)
	db.Put([]byte(Namespace+"failures"), []byte("[1,2"))

	got, err := s.Failures()
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("corrupt ledger should load empty, got %d", len(got))
	}
}

func TestWatchList_ConcurrentWriters(t *testing.T) {
	s, db := testStore(t)

	idFor := func(writer, n byte) ledger.SubID {
		var id ledger.SubID
		id[0] = writer
		id[ledger.SubIDSize-1] = n
		return id
	}

	const perWriter = 100
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWriter)

	// Live listener.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			if _, err := s.Merge(idFor(1, byte(i))); err != nil {
				errs <- err
			}
		}
	}()
	// Range scan.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			if _, err := s.CommitChunk([]ledger.SubID{idFor(2, byte(i))}, 1); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write: %v", err)
	}

	if got := s.WatchLen(); got != 2*perWriter {
		t.Errorf("in-memory watch-list = %d, want %d", got, 2*perWriter)
	}
	reopened := Open(db, log.Nop())
	if got := reopened.WatchLen(); got != 2*perWriter {
		t.Errorf("persisted watch-list = %d, want %d", got, 2*perWriter)
	}
	for i := 0; i < perWriter; i++ {
		for _, w := range []byte{1, 2} {
			if !reopened.Contains(idFor(w, byte(i))) {
				t.Fatalf("id %d from writer %d lost", i, w)
			}
		}
	}
}
