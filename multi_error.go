package component

import (
	"strings"
)

// MultiError collects independent failures, such as several beans failing
// to stop, into one compound error.
//
// The zero value is ready to use. MultiError is not safe for concurrent use.
type MultiError struct {
	errs []error
}

// Add appends err. Nil errors are ignored and a nested *MultiError is
// flattened into this one.
func (m *MultiError) Add(err error) {
	if err == nil {
		return
	}
	if nested, ok := err.(*MultiError); ok {
		m.errs = append(m.errs, nested.errs...)
		return
	}
	m.errs = append(m.errs, err)
}

// Len returns the number of collected errors.
func (m *MultiError) Len() int {
	return len(m.errs)
}

// Errors returns the collected errors in the order they were added.
func (m *MultiError) Errors() []error {
	out := make([]error, len(m.errs))
	copy(out, m.errs)
	return out
}

// Err applies the rethrow rule: no errors yields nil, a single error is
// returned as is, and several errors are returned as a *MultiError.
func (m *MultiError) Err() error {
	switch len(m.errs) {
	case 0:
		return nil
	case 1:
		return m.errs[0]
	default:
		return &MultiError{errs: m.Errors()}
	}
}

// ErrMulti returns a *MultiError whenever at least one error was collected.
func (m *MultiError) ErrMulti() error {
	if len(m.errs) == 0 {
		return nil
	}
	return &MultiError{errs: m.Errors()}
}

func (m *MultiError) Error() string {
	var sb strings.Builder
	sb.WriteString("MultiError[")
	for i, err := range m.errs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(err.Error())
	}
	sb.WriteString("]")
	return sb.String()
}

// Unwrap exposes every nested error to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.errs
}

// SuppressedError is a primary error carrying secondary failures that
// happened while handling it. Only the primary error is unwrapped.
type SuppressedError struct {
	Primary    error
	suppressed []error
}

// WithSuppressed attaches suppressed to primary. It returns primary
// unchanged when there is nothing to attach.
func WithSuppressed(primary error, suppressed ...error) error {
	var rest []error
	for _, err := range suppressed {
		if err != nil && err != primary {
			rest = append(rest, err)
		}
	}
	if primary == nil || len(rest) == 0 {
		return primary
	}
	if se, ok := primary.(*SuppressedError); ok {
		return &SuppressedError{Primary: se.Primary, suppressed: append(se.Suppressed(), rest...)}
	}
	return &SuppressedError{Primary: primary, suppressed: rest}
}

// Suppressed returns the attached secondary errors.
func (e *SuppressedError) Suppressed() []error {
	out := make([]error, len(e.suppressed))
	copy(out, e.suppressed)
	return out
}

func (e *SuppressedError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Primary.Error())
	for _, s := range e.suppressed {
		sb.WriteString("; suppressed: ")
		sb.WriteString(s.Error())
	}
	return sb.String()
}

func (e *SuppressedError) Unwrap() error {
	return e.Primary
}
