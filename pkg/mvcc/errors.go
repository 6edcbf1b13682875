package mvcc

import "errors"

// A missing key is reported through Read/GetVersion's exists bool rather
// than an error, so this package only needs sentinels for the two ways a
// transaction operation can be refused: acting on one that's already
// finished, or committing over a write another transaction already landed.
var (
	ErrTransactionNotActive = errors.New("transaction is not active")
	ErrConflict             = errors.New("write conflict detected")
)
