package lsm

import "testing"

func newTestMemtable(t *testing.T) *Memtable {
	t.Helper()
	arena := NewArena()
	return NewMemtable(kd(1), nil, arena, func() uint64 { return 1 })
}

func TestMemtableInsertMonotonicity(t *testing.T) {
	m := newTestMemtable(t)
	versions := []uint64{10, 5, 20}
	for i, v := range versions {
		if err := m.Insert(NewRecord([]interface{}{"A"}, v, nil, false), 1); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
		if m.Version() < uint32(i+1) {
			t.Fatalf("mem.version must be >= number of successful inserts")
		}
	}
	if m.MinVersion() != 5 {
		t.Fatalf("expected min_version 5, got %d", m.MinVersion())
	}
}

func TestMemtableOlderVersion(t *testing.T) {
	m := newTestMemtable(t)
	r10 := NewRecord([]interface{}{"A"}, 10, nil, false)
	r5 := NewRecord([]interface{}{"A"}, 5, nil, false)
	if err := m.Insert(r10, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(r5, 1); err != nil {
		t.Fatal(err)
	}

	older := m.OlderVersion(r10)
	if older == nil || older.Version != 5 {
		t.Fatalf("expected older_version(A,10) == (A,5), got %v", older)
	}

	if m.OlderVersion(r5) != nil {
		t.Fatalf("expected older_version(A,5) == none")
	}
}

func TestMemtableInsertOnFrozenFails(t *testing.T) {
	m := newTestMemtable(t)
	m.Freeze()
	if err := m.Insert(NewRecord([]interface{}{"A"}, 1, nil, false), 1); err != ErrClosed {
		t.Fatalf("expected ErrClosed on frozen memtable, got %v", err)
	}
}

func TestMemtableInsertFailureLeavesTreeUnchanged(t *testing.T) {
	limited := NewLimitedArena(0)
	m := NewMemtable(kd(1), nil, limited, func() uint64 { return 1 })
	before := m.Version()
	if err := m.Insert(NewRecord([]interface{}{"A"}, 1, nil, false), 1); err == nil {
		t.Fatalf("expected out-of-memory error with zero-capacity arena")
	}
	if m.Version() != before {
		t.Fatalf("version must not advance on a failed insert")
	}
	if m.Used() != 0 {
		t.Fatalf("used must not advance on a failed insert")
	}
}
