package document

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is a 12-byte identifier used as a key-field type alongside the
// plain Go scalars a record key tuple can hold: 4-byte creation time,
// 5-byte value unique to this process, 3-byte counter.
type ObjectID [12]byte

var (
	processUnique [5]byte
	idCounter     uint32
)

func init() {
	if _, err := rand.Read(processUnique[:]); err != nil {
		panic("document: failed to seed ObjectID process-unique bytes: " + err.Error())
	}
}

// NewObjectID mints an id that sorts roughly by creation time and is unique
// across concurrent callers in this process without coordination.
func NewObjectID() ObjectID {
	var id ObjectID

	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processUnique[:])

	n := atomic.AddUint32(&idCounter, 1)
	id[9], id[10], id[11] = byte(n>>16), byte(n>>8), byte(n)

	return id
}

// ObjectIDFromHex parses the 24-character hex form Hex produces.
func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID

	if len(s) != 24 {
		return id, fmt.Errorf("invalid ObjectID hex string length: %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid ObjectID hex string: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// Hex renders id as a 24-character lowercase hex string.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectID) String() string {
	return id.Hex()
}

// Timestamp recovers the creation second encoded in id's first 4 bytes.
func (id ObjectID) Timestamp() time.Time {
	seconds := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(seconds), 0)
}

// IsZero reports whether id is the unset zero value.
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}
