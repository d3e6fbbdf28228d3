package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKinds(t *testing.T) {
	io := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		want error
		not  []error
	}{
		{"validation", Validation("text is empty"), ErrValidation, []error{ErrNotFound, ErrTransientIO}},
		{"not found", NotFound("user", "u9"), ErrNotFound, []error{ErrValidation, ErrTransientIO}},
		{"transient", Transient("append", io), ErrTransientIO, []error{ErrValidation, ErrNotFound}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.want)
			}
			for _, other := range tt.not {
				if errors.Is(tt.err, other) {
					t.Errorf("errors.Is(%v, %v) = true, want false", tt.err, other)
				}
			}
		})
	}
}

func TestTransient_KeepsCause(t *testing.T) {
	io := errors.New("timeout")
	err := Transient("list messages", io)
	if !errors.Is(err, io) {
		t.Errorf("Transient() lost cause: %v", err)
	}
	if got := err.Error(); got != "list messages: transient io failure: timeout" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTransient_PreservesClassifiedKind(t *testing.T) {
	nf := fmt.Errorf("lookup: %w", NotFound("user", "u2"))
	err := Transient("profile", nf)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Transient() should keep not-found kind, got %v", err)
	}
	if errors.Is(err, ErrTransientIO) {
		t.Errorf("Transient() should not reclassify not-found as transient")
	}
	if Transient("noop", nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}
