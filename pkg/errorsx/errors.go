package errorsx

import (
	"errors"
	"strings"
)

var (
	// ErrConfiguration matches any *ConfigurationError.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotConnected is returned by operations that need a connected session.
	ErrNotConnected = errors.New("avatar not connected")
	// ErrInvalidArgument is returned for rejected caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrProvider matches any *ProviderError.
	ErrProvider = errors.New("provider error")
)

// ConfigurationError lists required configuration values that are missing.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) == 0 {
		return "missing required configuration"
	}
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ProviderError wraps a failure surfaced by the avatar provider.
// Reason and Hint are advisory; they never change control flow.
type ProviderError struct {
	Op     string
	Reason ReasonCode
	Hint   string
	Err    error
}

func (e *ProviderError) Error() string {
	msg := "provider error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// NotConnected returns an error matching ErrNotConnected with operation context.
func NotConnected(op string) error {
	return ReasonedError{Err: opError{op: op, err: ErrNotConnected}, Reason: ReasonNotConnected}
}

// InvalidArgument returns an error matching ErrInvalidArgument.
func InvalidArgument(msg string) error {
	return ReasonedError{Err: opError{op: msg, err: ErrInvalidArgument}, Reason: ReasonInvalidArgument}
}

type opError struct {
	op  string
	err error
}

func (e opError) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e opError) Unwrap() error { return e.err }
