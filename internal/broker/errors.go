package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind splits broker failures into the two classes the router's
// retry policy understands.
type ErrorKind int

const (
	// Transient failures may succeed on retry: timeouts, connection
	// resets, venue 5xx and throttling.
	Transient ErrorKind = iota
	// Permanent failures will not succeed on retry: venue-side
	// rejections, auth failures, malformed requests.
	Permanent
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Error is a classified broker failure. Code carries the venue's own
// error identifier when one exists; Message is safe for logs and never
// contains credential material.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker %s error [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("broker %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func NewTransient(code, message string, cause error) *Error {
	return &Error{Kind: Transient, Code: code, Message: message, cause: cause}
}

func NewPermanent(code, message string, cause error) *Error {
	return &Error{Kind: Permanent, Code: code, Message: message, cause: cause}
}

// IsTransient reports whether err is a broker error classified as
// retryable. Unclassified errors are treated as permanent so a bug in
// an adapter cannot cause an unbounded retry loop.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == Transient
	}
	return false
}

// Classify wraps an arbitrary transport error. Context deadlines and
// net timeouts are transient; context cancellation propagates as-is so
// shutdown is not misread as a venue failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransient("timeout", "request deadline exceeded", err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return NewTransient("timeout", "network timeout", err)
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return NewTransient("conn", "connection failure", err)
	}
	return NewPermanent("", err.Error(), err)
}

// ClassifyHTTPStatus maps a venue HTTP status to an error kind. 429 and
// all 5xx are transient; every other non-2xx is permanent.
func ClassifyHTTPStatus(status int, code, message string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return NewTransient(code, message, nil)
	}
	return NewPermanent(code, message, nil)
}
