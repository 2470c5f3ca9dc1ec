package transport

import (
	"fmt"

	appErrors "github.com/charlesng35/homesync/pkg/errors"
)

// DeferredError is returned for a mutation that was queued because the upstream is
// offline. errors.Is(err, apperrors.ErrOfflineDeferred) matches it through *url.Error.
type DeferredError struct {
	ID     uint64
	Method string
	URL    string
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("%s %s: %s (queued as #%d)", e.Method, e.URL, appErrors.ErrOfflineDeferred.Message, e.ID)
}

// Unwrap exposes the deferral sentinel.
func (e *DeferredError) Unwrap() error {
	return appErrors.ErrOfflineDeferred
}
