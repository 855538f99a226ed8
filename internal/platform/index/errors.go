package index

import "fmt"

// ExtractionError reports a failed extraction for a single search parameter.
// It is fatal for the surrounding write only when the parameter is mandatory.
type ExtractionError struct {
	ResourceType string
	Code         string
	Mandatory    bool
	Err          error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s parameter %q: %v", e.ResourceType, e.Code, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// DataAccessError wraps an infrastructure failure (constraint violation,
// connection loss) during parameter persistence. Callers roll back the
// surrounding transaction when they see one.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("data access failure in %s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }
