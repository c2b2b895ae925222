package models

import "errors"

// Error taxonomy shared by every component. Wrap with fmt.Errorf("%w: ...") and
// test with errors.Is.
var (
	// ErrValidation marks malformed input: non-positive amounts, unknown
	// resolutions, empty dispute reasons.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing escrow, task, invoice or payment.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks an actor lacking the role required for an operation.
	ErrForbidden = errors.New("not authorized")
	// ErrConflict marks a duplicate escrow for a task or an unsatisfied
	// transition guard.
	ErrConflict = errors.New("conflict")
	// ErrInsufficientFunds is returned when a withdrawal exceeds the derived balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrExternalService marks a gateway failure, timeout or open circuit.
	ErrExternalService = errors.New("external service error")
	// ErrSignatureVerification marks a gateway event that failed authentication.
	ErrSignatureVerification = errors.New("signature verification failed")
)
