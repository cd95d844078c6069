package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransientClassification(t *testing.T) {
	base := errors.New("connection reset")
	err := Transient(base)

	if !IsTransient(err) {
		t.Fatal("Transient wrap not detected")
	}
	if IsFatal(err) {
		t.Fatal("transient error reported as fatal")
	}
	if !errors.Is(err, base) {
		t.Fatal("wrap must preserve the cause")
	}

	// Classification survives further wrapping.
	wrapped := fmt.Errorf("loading ticks: %w", err)
	if !IsTransient(wrapped) {
		t.Fatal("marker lost through fmt.Errorf wrap")
	}
}

func TestFatalClassification(t *testing.T) {
	base := errors.New("unique violation")
	err := Fatal(base)

	if !IsFatal(err) {
		t.Fatal("Fatal wrap not detected")
	}
	if IsTransient(err) {
		t.Fatal("fatal error reported as transient")
	}
}

func TestWrapIdempotence(t *testing.T) {
	base := errors.New("blip")
	once := Transient(base)
	twice := Transient(once)
	if twice != once {
		t.Fatal("double Transient wrap should return the original")
	}
	if Transient(nil) != nil || Fatal(nil) != nil {
		t.Fatal("nil must pass through unchanged")
	}
}

func TestPlainErrorsAreUnclassified(t *testing.T) {
	err := errors.New("who knows")
	if IsTransient(err) || IsFatal(err) {
		t.Fatal("unclassified error must not match either marker")
	}
}
