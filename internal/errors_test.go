package internal

import (
	"errors"
	"testing"
)

func TestClassifyEngineError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{errors.New("connection reset by peer"), ErrConnectionReset},
		{errors.New("connection refused"), ErrConnectionRefused},
		{errors.New("endpoint aborted"), ErrConnectionAborted},
		{errors.New("endpoint closed for receive"), ErrClosedRemotely},
		{errors.New("EOF"), ErrClosedRemotely},
		{errors.New("operation would block"), ErrCapacity},
		{errors.New("no buffer space available"), ErrCapacity},
		{errors.New("network is unreachable"), ErrIO},
		{nil, ErrUnknown},
	}
	for _, tc := range cases {
		if got := classifyEngineError(tc.err); got != tc.want {
			t.Fatalf("classifyEngineError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestStackErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	se := newStackError(ErrIO, cause)
	if !errors.Is(se, cause) {
		t.Fatalf("errors.Is should unwrap to cause")
	}
	if se.Error() != "io: boom" {
		t.Fatalf("got %q", se.Error())
	}

	bare := newStackError(ErrConnectionReset, nil)
	if bare.Error() != "connection_reset" {
		t.Fatalf("got %q", bare.Error())
	}
}

func TestErrorKindString(t *testing.T) {
	if ErrorKind(99).String() != "unknown" {
		t.Fatalf("unrecognised kind should stringify to unknown")
	}
}
