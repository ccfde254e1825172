package session

import "fmt"

// Kind classifies why a session could not be acquired
type Kind string

const (
	KindNoCredentials Kind = "no_credentials"
	KindLoginFailed   Kind = "login_failed"
	KindPersistFailed Kind = "persist_failed"
	KindInternal      Kind = "internal"
)

// AcquisitionError is the typed failure of the credential tier.
// It is reported through Resolution and logs, never returned by EnsureSession.
type AcquisitionError struct {
	Kind Kind
	Err  error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session acquisition failed (%s)", e.Kind)
	}
	return fmt.Sprintf("session acquisition failed (%s): %v", e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
