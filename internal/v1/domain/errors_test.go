package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Is(t *testing.T) {
	err := NewError(KindRoomNotFound, "room ABC123 not found")

	if !errors.Is(err, &Error{Kind: KindRoomNotFound}) {
		t.Fatal("expected errors.Is to match on Kind")
	}
	if errors.Is(err, &Error{Kind: KindRoomFull}) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestWrap_UnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(KindInternal, "store failure", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewError(KindDuplicateName, "dup")); got != KindDuplicateName {
		t.Fatalf("expected KindDuplicateName, got %s", got)
	}
	if got := KindOf(fmt.Errorf("plain error")); got != KindInternal {
		t.Fatalf("expected KindInternal fallback, got %s", got)
	}
}
