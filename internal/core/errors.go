package core

import "fmt"

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code          string
	Detail        string
	Owner         string // lease holder on lock conflicts
	ExpiresAtUnix int64  // conflicting lease expiry
	RetryAfter    int64  // seconds
	HTTPStatus    int    // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}
