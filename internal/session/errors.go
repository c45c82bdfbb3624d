package session

import (
	"errors"
	"fmt"

	"viewd/pkg/types"
)

// ErrDestroyed is returned by every mutating operation after Destroy.
var ErrDestroyed = errors.New("session destroyed")

// admissionDeniedError signals that the kind's ceiling was reached. It is
// the caller's cue to retry later or degrade, not a failure of the session.
type admissionDeniedError struct {
	kind     types.SessionKind
	cameraID string
}

func (e admissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s ceiling reached for camera %s", e.kind, e.cameraID)
}

// IsAdmissionDenied reports whether err is an admission denial.
func IsAdmissionDenied(err error) bool {
	var ad admissionDeniedError
	return errors.As(err, &ad)
}
