// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotConnected       = errors.New("not connected to trading terminal")
	ErrLoginFailed        = errors.New("terminal login failed")
	ErrQuoteUnavailable   = errors.New("quote unavailable")
	ErrAmountTooSmall     = errors.New("amount too small")
	ErrAmountTooLarge     = errors.New("amount too large")
	ErrSubmissionRejected = errors.New("submission rejected")
	ErrVerificationFailed = errors.New("verification failed")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrPositionNotFound   = errors.New("position not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrSymbolNotFound     = errors.New("symbol not found")
	ErrInvalidIntent      = errors.New("invalid trade request")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDatabaseError      = errors.New("database error")
	ErrReadOnlyMode       = errors.New("operation blocked: read-only mode enabled")
)

// Kind is a stable machine-readable error category.
type Kind string

const (
	KindConnection       Kind = "connection_error"
	KindQuoteUnavailable Kind = "quote_unavailable"
	KindSizing           Kind = "sizing_error"
	KindValidation       Kind = "validation_error"
	KindRejected         Kind = "submission_rejected"
	KindVerification     Kind = "verification_failed"
	KindExhausted        Kind = "retries_exhausted"
	KindNotFound         Kind = "not_found"
	KindReadOnly         Kind = "read_only"
	KindInternal         Kind = "internal_error"
)

// BrokerError represents a transport failure talking to the terminal.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// SizingError reports an amount that converts to a volume outside the
// symbol's limits. LimitAmount is the deposit-currency amount that would
// produce LimitVolume at the current price.
type SizingError struct {
	Symbol      string
	TooLarge    bool
	Amount      float64
	LimitAmount float64
	LimitVolume float64
}

func (e *SizingError) Error() string {
	if e.TooLarge {
		return fmt.Sprintf("Amount too large. Maximum allowed amount: $%.2f USD (maximum volume: %g lots)",
			e.LimitAmount, e.LimitVolume)
	}
	return fmt.Sprintf("Amount too small. Minimum required amount: $%.2f USD (minimum volume: %g lots)",
		e.LimitAmount, e.LimitVolume)
}

func (e *SizingError) Unwrap() error {
	if e.TooLarge {
		return ErrAmountTooLarge
	}
	return ErrAmountTooSmall
}

// RejectionError is a terminal acknowledgement with a non-success return code.
type RejectionError struct {
	Action    string
	Retcode   uint32
	Comment   string
	Transient bool
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s failed: %s (retcode %d)", e.Action, e.Comment, e.Retcode)
}

func (e *RejectionError) Unwrap() error {
	return ErrSubmissionRejected
}

// VerificationError reports that an acknowledged submission did not take effect.
type VerificationError struct {
	Ticket uint64
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for ticket %d: %s", e.Ticket, e.Reason)
}

func (e *VerificationError) Unwrap() error {
	return ErrVerificationFailed
}

// ExhaustedError is returned once every attempt of a retried operation failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// NotFoundError reports a ticket that does not exist on the terminal.
type NotFoundError struct {
	Entity string // "Position" or "Order"
	Ticket uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.Ticket)
}

func (e *NotFoundError) Unwrap() error {
	if e.Entity == "Order" {
		return ErrOrderNotFound
	}
	return ErrPositionNotFound
}

// PositionNotFound returns the error for a missing position ticket.
func PositionNotFound(ticket uint64) error {
	return &NotFoundError{Entity: "Position", Ticket: ticket}
}

// OrderNotFound returns the error for a missing pending order ticket.
func OrderNotFound(ticket uint64) error {
	return &NotFoundError{Entity: "Order", Ticket: ticket}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidIntent
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// SecurityError represents a blocked operation.
type SecurityError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *SecurityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("security error [%s]: %s: %v", e.Operation, e.Reason, e.Err)
	}
	return fmt.Sprintf("security error [%s]: %s", e.Operation, e.Reason)
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}

// NewSecurityError creates a new SecurityError.
func NewSecurityError(operation, reason string, err error) *SecurityError {
	return &SecurityError{
		Operation: operation,
		Reason:    reason,
		Err:       err,
	}
}

// KindOf maps err onto its category. Unknown errors are internal.
func KindOf(err error) Kind {
	var (
		sizing     *SizingError
		rejection  *RejectionError
		verify     *VerificationError
		exhausted  *ExhaustedError
		validation *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &exhausted):
		return KindExhausted
	case errors.As(err, &sizing):
		return KindSizing
	case errors.As(err, &rejection):
		return KindRejected
	case errors.As(err, &verify):
		return KindVerification
	case errors.As(err, &validation), errors.Is(err, ErrInvalidIntent):
		return KindValidation
	case errors.Is(err, ErrReadOnlyMode):
		return KindReadOnly
	case errors.Is(err, ErrQuoteUnavailable):
		return KindQuoteUnavailable
	case errors.Is(err, ErrPositionNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrSymbolNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrLoginFailed), errors.Is(err, ErrConnectionFailed):
		return KindConnection
	}
	var broker *BrokerError
	if errors.As(err, &broker) {
		return KindConnection
	}
	return KindInternal
}

// IsRetryable reports whether another attempt may succeed where err failed.
// Transport failures, transient return codes and failed verifications are
// retryable; sizing, validation, lookup and permanent rejections are not.
func IsRetryable(err error) bool {
	var (
		rejection *RejectionError
		verify    *VerificationError
		broker    *BrokerError
	)
	switch {
	case err == nil:
		return false
	case errors.As(err, &rejection):
		return rejection.Transient
	case errors.As(err, &verify):
		return true
	case errors.As(err, &broker):
		return true
	case errors.Is(err, ErrTimeout):
		return true
	}
	return false
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
