package transport

import (
	"errors"
	"fmt"
)

// ConfigurationError is fatal for a whole run and is raised before any
// recipient is processed (empty sender pool, missing roster column, ...).
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// TemplateError is raised while rendering one recipient's message.
type TemplateError struct {
	Field  string
	Reason string
}

func (e *TemplateError) Error() string {
	if e.Field == "" {
		return "template error: " + e.Reason
	}
	return fmt.Sprintf("template error: {%s}: %s", e.Field, e.Reason)
}

// TransportError wraps a connection, authentication or protocol failure
// talking to the relay or gateway. Op names the failed stage.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport error: " + e.Op
	}
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError returns nil when err is nil so adapters can wrap inline.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

func IsTemplate(err error) bool {
	var e *TemplateError
	return errors.As(err, &e)
}

func IsTransport(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}
