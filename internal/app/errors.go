package app

import "fmt"

// DomainError is an error the API can explain to the caller: it carries
// the HTTP status and the machine-readable code the error envelope uses
// (RATE_LIMITED, MODEL_NOT_ALLOWED, INVALID_CURSOR, ...). Anything else
// maps to a generic SERVER_ERROR.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
