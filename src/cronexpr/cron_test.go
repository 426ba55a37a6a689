package cronexpr

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Expression {
	t.Helper()
	e, err := Parse(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	return e
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	if _, err := Parse("* * *"); err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestMacrosExpand(t *testing.T) {
	daily := mustParse(t, "@daily")
	from := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next, ok := daily.Next(from)
	if !ok {
		t.Fatal("expected a next activation")
	}
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestEveryFiveMinutes(t *testing.T) {
	e := mustParse(t, "*/5 * * * *")
	from := time.Date(2026, 7, 31, 10, 2, 30, 0, time.UTC)
	next, ok := e.Next(from)
	if !ok {
		t.Fatal("expected a next activation")
	}
	want := time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestRangeAndList(t *testing.T) {
	e := mustParse(t, "0 9-17 * * 1,3,5")
	from := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC) // a Friday
	next, ok := e.Next(from)
	if !ok {
		t.Fatal("expected a next activation")
	}
	if next.Hour() != 9 || next.Weekday() != time.Friday {
		t.Fatalf("unexpected next activation: %v", next)
	}
}

func TestImpossibleExpressionReportsNoActivation(t *testing.T) {
	// February never has a 30th day.
	e := mustParse(t, "0 0 30 2 *")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, ok := e.Next(from); ok {
		t.Fatal("expected no activation for an impossible day/month combination")
	}
}

func TestInvalidFieldBoundsRejected(t *testing.T) {
	if _, err := Parse("60 * * * *"); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
}
