package domain

import "errors"

// Domain errors
var (
	ErrUsernameExists    = errors.New("username already exists")
	ErrUserNotFound      = errors.New("user not found")
	ErrIncorrectPassword = errors.New("incorrect password")
	ErrNotLoggedIn       = errors.New("not logged in")
	ErrAdminOnly         = errors.New("admin access required")
	ErrStoreNotLoaded    = errors.New("database not loaded")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInternalError     = errors.New("internal server error")

	// Remote sync errors
	ErrRemoteNotFound      = errors.New("database not found on remote")
	ErrRemoteUnauthorized  = errors.New("remote host rejected credentials")
	ErrRemoteStaleRevision = errors.New("remote revision is newer than the one observed")
)

// ValidationError carries a user-facing message for a rejected input.
// The message is surfaced verbatim to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validation creates a new validation error.
func Validation(reason string) error {
	return &ValidationError{Reason: reason}
}

// IsValidation checks whether an error is a validation error.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrRemoteNotFound)
}
