package lsm

import (
	"os"
	"testing"
)

func TestSSTableWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSSTableWriter(dir, 0, 2)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	records := []*Record{
		NewRecord([]interface{}{"A"}, 1, []byte("alpha"), false),
		NewRecord([]interface{}{"B"}, 1, []byte("bravo"), false),
		NewRecord([]interface{}{"C"}, 1, nil, true),
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	sst, err := w.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, found, err := sst.Get(encodeUserKey([]interface{}{"B"}))
	if err != nil || !found {
		t.Fatalf("expected to find B, err=%v found=%v", err, found)
	}
	if string(got.Payload) != "bravo" {
		t.Fatalf("expected payload bravo, got %q", got.Payload)
	}

	_, found, err = sst.Get(encodeUserKey([]interface{}{"Z"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("did not expect to find Z")
	}
}

func TestSSTableIteratorOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSSTableWriter(dir, 1, 2)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, k := range []string{"A", "B", "C"} {
		if err := w.Write(NewRecord([]interface{}{k}, 1, []byte(k), false)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	sst, err := w.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	it, err := sst.Iterator()
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	defer it.Close()

	var seen []string
	for it.Next() {
		seen = append(seen, it.Entry().Key[0].(string))
	}
	if len(seen) != 3 || seen[0] != "A" || seen[1] != "B" || seen[2] != "C" {
		t.Fatalf("unexpected order: %v", seen)
	}
}

func TestOpenSSTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSSTableWriter(dir, 2, 10)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Write(NewRecord([]interface{}{"A"}, 1, []byte("alpha"), false)); err != nil {
		t.Fatalf("write: %v", err)
	}
	sst, err := w.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	reopened, err := OpenSSTable(sst.path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, found, err := reopened.Get(encodeUserKey([]interface{}{"A"}))
	if err != nil || !found || string(got.Payload) != "alpha" {
		t.Fatalf("round-trip mismatch: found=%v err=%v got=%v", found, err, got)
	}

	if _, err := os.Stat(sst.path); err != nil {
		t.Fatalf("expected sstable file to exist: %v", err)
	}
}
