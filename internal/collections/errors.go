package collections

import (
	"errors"
	"fmt"
)

// Failure kinds. Every per-invoice error returned by the engine wraps one of them.
var (
	ErrTransport       = errors.New("transport failure")
	ErrCorrelation     = errors.New("correlation failure")
	ErrGeneration      = errors.New("generation failure")
	ErrPolicyViolation = errors.New("policy violation")
)

// Failure ties an error to its kind and the invoice it happened on.
type Failure struct {
	Kind      error
	InvoiceID string
	Err       error
}

func (f *Failure) Error() string {
	if f.InvoiceID == "" {
		return fmt.Sprintf("%v: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%v (invoice %s): %v", f.Kind, f.InvoiceID, f.Err)
}

// Is lets errors.Is match on the failure kind.
func (f *Failure) Is(target error) bool {
	return f.Kind == target
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(kind error, invoiceID string, err error) *Failure {
	return &Failure{Kind: kind, InvoiceID: invoiceID, Err: err}
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by a ConversationLog when a message with the same
// external ID was already appended.
var ErrDuplicate = errors.New("duplicate message")

// ErrTicketClosed is returned when closing a ticket that is already closed.
var ErrTicketClosed = errors.New("ticket already closed")
