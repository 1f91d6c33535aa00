package tesla

import (
	"errors"
	"fmt"
)

// AuthError means the grant or credentials were rejected. It is not expected
// to self-heal without user action, so it bypasses normal error counting.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Reason)
}

// TransientError covers network failures, rate limits and server errors,
// which are expected to self-heal. The backoff controller absorbs these.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ConfigurationError rejects an out-of-range or malformed command parameter
// synchronously, before any network call. It never counts toward backoff.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return e.Reason
}

func IsAuthError(err error) bool {
	var authError *AuthError
	return errors.As(err, &authError)
}

func IsTransientError(err error) bool {
	var transientError *TransientError
	return errors.As(err, &transientError)
}

func IsConfigurationError(err error) bool {
	var configurationError *ConfigurationError
	return errors.As(err, &configurationError)
}
