package backend

import "fmt"

// AuthError means the credential fetch itself failed. It is fatal for the
// current call; the client never retries past its single built-in re-auth.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend auth failed: %v", e.Err)
	}
	return fmt.Sprintf("backend auth failed: status %d", e.Status)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RemoteError is any non-2xx answer other than the handled auth failure.
// The status code is preserved so callers can decide whether to escalate.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("backend request failed: status %d: %s", e.Status, e.Body)
}
