// Package vfserr defines the error taxonomy shared by the naming, archive and
// cache engines. Every error carries a stable code, the offending subject and
// an optional wrapped cause.
package vfserr

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Code is a stable, parseable error identifier.
type Code string

const (
	// Parse errors.
	CodeMissingDoubleSlashes   Code = "missing-double-slashes"
	CodeMissingHostname        Code = "missing-hostname"
	CodeMissingPort            Code = "missing-port"
	CodeMissingHostnamePathSep Code = "missing-hostname-path-sep"
	CodeMissingShareName       Code = "missing-share-name"
	CodeInvalidAbsoluteURI     Code = "invalid-absolute-uri"
	CodeInvalidEscapeSequence  Code = "invalid-escape-sequence"
	CodeInvalidRelativePath    Code = "invalid-relative-path"
	CodeNotAbsoluteFileName    Code = "not-absolute-file-name"
	CodeUnterminatedIPv6Host   Code = "unterminated-ipv6-hostname"
	CodeInvalidDescendentName  Code = "invalid-descendent-name"
	CodeInvalidChildName       Code = "invalid-childname"
	CodeUnknownScheme          Code = "unknown-scheme"

	// Container errors.
	CodeOpenContainer  Code = "open-container-error"
	CodeCloseContainer Code = "close-container-error"

	// Lookup errors.
	CodeReadNotFile                 Code = "read-not-file"
	CodeNoContent                   Code = "no-content"
	CodeRandomAccessInvalidPosition Code = "random-access-invalid-position"
	CodeMissingCapability           Code = "missing-capability"
	CodeNestedJunction              Code = "nested-junction"
	CodeNotFound                    Code = "not-found"
	CodeListNotFolder               Code = "list-children-not-folder"

	// Backend errors.
	CodeWriteFailed Code = "write-failed"
)

// Kind groups codes into the broad classes callers branch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindParse
	KindContainer
	KindLookup
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindContainer:
		return "container"
	case KindLookup:
		return "lookup"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Kind returns the class the code belongs to.
func (c Code) Kind() Kind {
	switch c {
	case CodeMissingDoubleSlashes, CodeMissingHostname, CodeMissingPort,
		CodeMissingHostnamePathSep, CodeMissingShareName, CodeInvalidAbsoluteURI,
		CodeInvalidEscapeSequence, CodeInvalidRelativePath, CodeNotAbsoluteFileName,
		CodeUnterminatedIPv6Host, CodeInvalidDescendentName, CodeInvalidChildName,
		CodeUnknownScheme:
		return KindParse
	case CodeOpenContainer, CodeCloseContainer:
		return KindContainer
	case CodeReadNotFile, CodeNoContent, CodeRandomAccessInvalidPosition,
		CodeMissingCapability, CodeNestedJunction, CodeNotFound, CodeListNotFolder:
		return KindLookup
	case CodeWriteFailed:
		return KindBackend
	default:
		return KindUnknown
	}
}

// Error is the single error type returned by the core.
type Error struct {
	Code    Code
	Subject string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Subject != "" {
		msg += ": " + e.Subject
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code. A target with a
// subject must match the subject too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Subject == "" || t.Subject == e.Subject
}

// New creates an error with the given code and subject.
func New(code Code, subject string) *Error {
	return &Error{Code: code, Subject: subject}
}

// Wrap creates an error with the given code and subject wrapping cause.
func Wrap(code Code, subject string, cause error) *Error {
	return &Error{Code: code, Subject: subject, Err: cause}
}

// Newf is New with a formatted subject.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Subject: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Has reports whether err carries the given code.
func Has(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// Close closes every closer and folds the failures into a single
// close-container-error. It returns nil when all closers succeed.
func Close(subject string, closers ...interface{ Close() error }) error {
	var err error
	for _, c := range closers {
		if c == nil {
			continue
		}
		err = multierr.Append(err, c.Close())
	}
	if err == nil {
		return nil
	}
	return Wrap(CodeCloseContainer, subject, err)
}

// Combine is multierr.Combine, exposed so callers aggregating cleanup errors
// do not need a second import.
func Combine(errs ...error) error {
	return multierr.Combine(errs...)
}
