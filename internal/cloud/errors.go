// internal/cloud/errors.go
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifica a falha de uma chamada ao cloud.
type Kind string

const (
	KindConnectivity   Kind = "connectivity"
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindServer         Kind = "server"
	KindClient         Kind = "client"
	KindDecode         Kind = "decode"
)

type APIError struct {
	Method  string
	Path    string
	Status  int
	Kind    Kind
	Message string
	Err     error
}

func (e *APIError) Error() string {
	switch {
	case e.Status > 0 && e.Message != "":
		return fmt.Sprintf("%s %s: HTTP %d (%s): %s", e.Method, e.Path, e.Status, e.Kind, e.Message)
	case e.Status > 0:
		return fmt.Sprintf("%s %s: HTTP %d (%s)", e.Method, e.Path, e.Status, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Kind)
}

func (e *APIError) Unwrap() error { return e.Err }

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return KindValidation
	case status >= 500:
		return KindServer
	default:
		return KindClient
	}
}

// IsRetryable: só conectividade/timeout e 5xx.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(apiErr.Err, context.Canceled) {
		return false
	}
	return apiErr.Kind == KindConnectivity || apiErr.Kind == KindServer
}

// IsTerminal indica uma recusa definitiva do cloud para aquele pedido.
func IsTerminal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return !IsRetryable(err) && apiErr.Status > 0
}

func IsAuth(err error) bool { return hasKind(err, KindAuthentication) }

func IsValidation(err error) bool { return hasKind(err, KindValidation) }

func IsConnectivity(err error) bool { return hasKind(err, KindConnectivity) }

func hasKind(err error, k Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == k
}
