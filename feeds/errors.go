package feeds

import "fmt"

// LookupError is returned when the follow set of a viewer could not be
// resolved. The feed keeps working with the viewer's own items only.
type LookupError struct {
	Viewer string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("resolve follow set of %s: %v", e.Viewer, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// QueryError marks a live subscription that failed. The feed keeps its last
// published items until the next grow or refresh.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("live query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
