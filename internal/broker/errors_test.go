package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status        int
		wantNil       bool
		wantTransient bool
	}{
		{200, true, false},
		{202, true, false},
		{400, false, false},
		{401, false, false},
		{404, false, false},
		{422, false, false},
		{429, false, true},
		{500, false, true},
		{502, false, true},
		{503, false, true},
	}
	for _, tc := range cases {
		err := ClassifyHTTPStatus(tc.status, "X", "msg")
		if tc.wantNil {
			if err != nil {
				t.Fatalf("status %d: expected nil, got %v", tc.status, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := IsTransient(err); got != tc.wantTransient {
			t.Fatalf("status %d: transient=%v, want %v", tc.status, got, tc.wantTransient)
		}
	}
}

func TestClassifyTransport(t *testing.T) {
	if err := Classify(nil); err != nil {
		t.Fatalf("nil should stay nil, got %v", err)
	}
	if err := Classify(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must propagate, got %v", err)
	}
	if err := Classify(context.DeadlineExceeded); !IsTransient(err) {
		t.Fatalf("deadline exceeded should be transient, got %v", err)
	}
	if err := Classify(timeoutErr{}); !IsTransient(err) {
		t.Fatalf("net timeout should be transient, got %v", err)
	}
	operr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	if err := Classify(operr); !IsTransient(err) {
		t.Fatalf("conn failure should be transient, got %v", err)
	}
	if err := Classify(errors.New("venue rejected symbol")); IsTransient(err) {
		t.Fatal("unclassified error must default to permanent")
	}
}

func TestClassifyKeepsExistingClassification(t *testing.T) {
	orig := NewPermanent("AB1001", "invalid symbol", nil)
	wrapped := fmt.Errorf("submit failed: %w", orig)
	got := Classify(wrapped)
	var be *Error
	if !errors.As(got, &be) || be.Kind != Permanent || be.Code != "AB1001" {
		t.Fatalf("classification lost through wrapping: %v", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := NewTransient("timeout", "deadline", cause)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("cause should be reachable via errors.Is")
	}
}
