package vector

import "fmt"

// UpsertError reports a failed batch upsert. Committed counts the vectors
// already accepted by earlier batches; they are not rolled back, so a caller
// tracking progress can resume without re-sending them.
type UpsertError struct {
	Committed int
	Err       error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("vector upsert failed after %d committed vectors: %v", e.Committed, e.Err)
}

func (e *UpsertError) Unwrap() error {
	return e.Err
}
