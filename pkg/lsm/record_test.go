package lsm

import "testing"

func kd(n int) *KeyDef { return &KeyDef{PartCount: n} }

func TestCompareRecordsUserKeyThenVersionDesc(t *testing.T) {
	a := NewRecord([]interface{}{"A"}, 10, nil, false)
	b := NewRecord([]interface{}{"A"}, 5, nil, false)
	c := NewRecord([]interface{}{"B"}, 1, nil, false)

	if compareRecords(a, b, kd(1), nil) >= 0 {
		t.Fatalf("expected newer version to sort before older for same key")
	}
	if compareRecords(b, a, kd(1), nil) <= 0 {
		t.Fatalf("expected older version to sort after newer for same key")
	}
	if compareRecords(a, c, kd(1), nil) >= 0 {
		t.Fatalf("expected A < B by user key regardless of version")
	}
}

func TestCompareRecordsTotalOrder(t *testing.T) {
	recs := []*Record{
		NewRecord([]interface{}{"A"}, 10, nil, false),
		NewRecord([]interface{}{"A"}, 7, nil, false),
		NewRecord([]interface{}{"A"}, 3, nil, false),
		NewRecord([]interface{}{"B"}, 5, nil, false),
	}
	for i := range recs {
		for j := range recs {
			if i == j {
				continue
			}
			if compareRecords(recs[i], recs[j], kd(1), nil) == 0 {
				t.Fatalf("distinct records must never compare equal: %v vs %v", recs[i], recs[j])
			}
		}
	}
}

func TestCompareRecordToLookupKeyVersionIgnoreSentinel(t *testing.T) {
	a := NewRecord([]interface{}{"A"}, 10, nil, false)
	key := &LookupKey{Key: []interface{}{"A"}, Version: VersionIgnore}
	if compareRecordToLookupKey(a, key, kd(1), nil) != 0 {
		t.Fatalf("VersionIgnore sentinel must collapse the version dimension")
	}

	key2 := &LookupKey{Key: []interface{}{"A"}, Version: 5}
	if compareRecordToLookupKey(a, key2, kd(1), nil) >= 0 {
		t.Fatalf("record with version 10 must sort before lookup key version 5 (descending order)")
	}
}

func TestRecordDuplicateReleaseRefcount(t *testing.T) {
	r := NewRecord([]interface{}{"A"}, 1, []byte("v"), false)
	dup, err := r.Duplicate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup != r {
		t.Fatalf("Duplicate must return a handle to the same immutable record")
	}
	r.Release()
	r.Release()
}
