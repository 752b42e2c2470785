package remotesvc

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingToken      = errors.New("idempotency token is required")
)

// ServiceError reports an internal failure of the backend service.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Rejection is a business-rule refusal returned to the caller with an HTTP status.
type Rejection struct {
	Status  int
	Code    string
	Message string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return r.Code
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func reject(status int, code, message string) error {
	return &Rejection{Status: status, Code: code, Message: message}
}

func invalidPayload(err error) error {
	return reject(http.StatusBadRequest, "invalid_payload", err.Error())
}
