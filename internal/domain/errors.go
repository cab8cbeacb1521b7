package domain

import "fmt"

type ErrCode string

const (
	CodeValidation   ErrCode = "validation_error"
	CodeTransient    ErrCode = "transient_error"
	CodePermanent    ErrCode = "permanent_error"
	CodeContract     ErrCode = "contract_error"
	CodeOverflow     ErrCode = "overflow"
	CodeCircuitOpen  ErrCode = "circuit_open"
	CodeNotFound     ErrCode = "not_found"
	CodeUnauthorized ErrCode = "unauthorized"
)

type AppError struct {
	Code    ErrCode
	Message string
	Meta    map[string]string
}

func (e *AppError) Error() string {
	if len(e.Meta) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Meta)
}

func ErrValidation(msg string) error { return &AppError{Code: CodeValidation, Message: msg} }
func ErrValidationMeta(msg string, meta map[string]string) error {
	return &AppError{Code: CodeValidation, Message: msg, Meta: meta}
}
func ErrTransient(msg string) error    { return &AppError{Code: CodeTransient, Message: msg} }
func ErrPermanent(msg string) error    { return &AppError{Code: CodePermanent, Message: msg} }
func ErrContract(msg string) error     { return &AppError{Code: CodeContract, Message: msg} }
func ErrOverflow(msg string) error     { return &AppError{Code: CodeOverflow, Message: msg} }
func ErrCircuitOpen(msg string) error  { return &AppError{Code: CodeCircuitOpen, Message: msg} }
func ErrNotFound(msg string) error     { return &AppError{Code: CodeNotFound, Message: msg} }
func ErrUnauthorized(msg string) error { return &AppError{Code: CodeUnauthorized, Message: msg} }

// Sentinel contract errors surfaced to outbox writer callers.
var (
	ErrTransactionRequired = &AppError{Code: CodeContract, Message: "outbox append requires a live transaction"}
	ErrDuplicateEvent      = &AppError{Code: CodeContract, Message: "duplicate event_id"}
)
