package webhook

import (
	"errors"
	"fmt"
	"net/http"
)

// ConnectionError means the endpoint could not be reached.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("webhook connection failed: %v", e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("webhook returned status %s", e.Status)
	}
	return fmt.Sprintf("webhook returned status %d", e.Code)
}

// DecodeError means a 2xx response body was not the expected JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode webhook reply: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
