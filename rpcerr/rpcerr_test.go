package rpcerr

import (
	"io"
	"testing"

	"github.com/juju/errors"
)

func TestKindSurvivesAnnotation(t *testing.T) {
	base := Wrap(Connection, "get packet", io.ErrUnexpectedEOF, "server connection unexpectedly closed")
	annotated := errors.Annotate(base, "run user-info")

	if KindOf(annotated) != Connection {
		t.Fatalf("expect connection kind, got %s", KindOf(annotated))
	}
	if !Retryable(annotated) {
		t.Fatal("expect connection error to be retryable")
	}
	if !errors.Is(annotated, io.ErrUnexpectedEOF) {
		t.Fatal("expect cause to stay reachable")
	}
}

func TestOnlyConnectionRetryable(t *testing.T) {
	for _, k := range []Kind{Internal, Protocol, Security, Server, Syntax} {
		if k.Retryable() {
			t.Fatalf("%s must not be retryable", k)
		}
	}
	if Retryable(nil) {
		t.Fatal("nil is not retryable")
	}
	if KindOf(io.EOF) != Internal {
		t.Fatal("plain errors default to internal")
	}
}

func TestUnknownFunction(t *testing.T) {
	err := UnknownFunction("client-Bogus")
	if !errors.Is(err, ErrUnknownFunction) {
		t.Fatal("expect ErrUnknownFunction in chain")
	}
	if !Is(err, Protocol) {
		t.Fatalf("expect protocol kind, got %s", KindOf(err))
	}
	if got := err.Error(); got != "dispatch: client-Bogus: unknown function" {
		t.Fatalf("unexpected message %q", got)
	}
}
