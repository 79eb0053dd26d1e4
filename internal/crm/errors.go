package crm

import "fmt"

// InputError reports a request rejected before any network I/O: unknown
// action, missing browser identifier, or a missing required parameter.
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	return e.Message
}

// BackendError carries a non-success backend status and whatever detail
// message the backend body offered. The status is preserved for the caller.
type BackendError struct {
	Status int
	Detail string
}

func (e *BackendError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
}

// TransportError covers connection failures, timeouts, and success responses
// whose bodies were not valid JSON. The backend's answer, if any, never
// arrived intact.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "backend unreachable: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
