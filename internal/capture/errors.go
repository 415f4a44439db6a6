package capture

import (
	"errors"
	"fmt"
	"net"

	"github.com/samber/lo"
)

// Failure taxonomy. Every fetch failure maps to one of these so the loop and
// the retry policies can tell a dead session from a frozen camera.
var (
	// ErrSessionInvalid covers blocking status codes; the cure is a session
	// rebuild, not a retry of the same identity.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrDuplicateContent is a body whose hash matches the last accepted one.
	ErrDuplicateContent = errors.New("duplicate content")
	// ErrZeroByteBody is a 200 with an empty body. Same accounting as a
	// duplicate, but no hash comparison and no recovery attempt.
	ErrZeroByteBody = errors.New("zero-byte body")
)

// sessionStatusCodes are the responses that suggest the remote has blocked or
// dropped this session.
var sessionStatusCodes = []int{403, 429, 502, 503, 504}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http status %d", e.code)
}

func (e *statusError) Is(target error) bool {
	return target == ErrSessionInvalid && lo.Contains(sessionStatusCodes, e.code)
}

// isSessionError reports whether err warrants a session rebuild: a blocking
// status, or a transport-level failure (timeout, reset, refused).
func isSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionInvalid) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
