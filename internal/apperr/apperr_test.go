package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

type forbidden struct{}

func (forbidden) Error() string        { return "nope" }
func (forbidden) Is(target error) bool { return target == ErrForbidden }

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", NotFound("escrow %s", "e1"), KindNotFound},
		{"wrapped", fmt.Errorf("load: %w", Conflict("stale")), KindConflict},
		{"sentinel matcher", forbidden{}, KindForbidden},
		{"plain", errors.New("disk full"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSentinelsMatchByKind(t *testing.T) {
	err := fmt.Errorf("approve: %w", InvalidState("milestone is DISPUTED"))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState match")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("kinds must not cross-match")
	}
	wrapped := Wrap(KindIntegrity, errors.New("bad row"), "escrow e1")
	if !errors.Is(wrapped, ErrIntegrity) || wrapped.Error() != "escrow e1: bad row" {
		t.Fatalf("wrapped = %v", wrapped)
	}
}

func TestDetails(t *testing.T) {
	err := InvalidState("missing evidence").WithDetail("missing_evidence", []string{"INVOICE", "PHOTO"})
	details := DetailsOf(fmt.Errorf("ctx: %w", err))
	if got, ok := details["missing_evidence"].([]string); !ok || len(got) != 2 {
		t.Fatalf("details = %v", details)
	}
	if DetailsOf(errors.New("x")) != nil {
		t.Fatalf("plain errors carry no details")
	}
}

func TestHTTPStatus(t *testing.T) {
	want := map[Kind]int{
		KindNotFound:     http.StatusNotFound,
		KindInvalidState: http.StatusUnprocessableEntity,
		KindConflict:     http.StatusConflict,
		KindForbidden:    http.StatusForbidden,
		KindBadRequest:   http.StatusBadRequest,
		KindIntegrity:    http.StatusInternalServerError,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, status := range want {
		if got := HTTPStatus(kind); got != status {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", kind, got, status)
		}
	}
}
