package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"busfleet/internal/model"
)

func TestSplitDays(t *testing.T) {
	got := splitDays("MONDAY,WEDNESDAY,bogus")
	if len(got) != 2 || got[0] != model.Monday || got[1] != model.Wednesday {
		t.Fatalf("unexpected days: %v", got)
	}
	if v := splitDays(""); v != nil {
		t.Fatalf("empty -> nil expected")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if v := nullIfEmpty(""); v != nil {
		t.Fatalf("empty -> nil expected")
	}
	if v := nullIfEmpty("x"); v != "x" {
		t.Fatalf("non-empty passthrough expected, got %v", v)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatalf("23505 should be a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
	if !isForeignKeyViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("23503 should be a foreign key violation")
	}
}
