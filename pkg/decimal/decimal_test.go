package decimal

import (
	"math/big"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		input     string
		wantVal   int64
		wantScale int
		wantErr   bool
	}{
		{"0", 0, 0, false},
		{"1500", 1500, 0, false},
		{"1500.50", 150050, 2, false},
		{"-0.001", -1, 3, false},
		{".5", 5, 1, false},
		{"+12", 12, 0, false},
		{"invalid", 0, 0, true},
		{"1.2.3", 0, 0, true},
		{"-", 0, 0, true},
		{"1_000", 0, 0, true},
	}

	for _, tt := range tests {
		got, err := New(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr {
			if got.value.Cmp(big.NewInt(tt.wantVal)) != 0 {
				t.Errorf("New(%q) value = %s, want %d", tt.input, got.value.String(), tt.wantVal)
			}
			if got.scale != tt.wantScale {
				t.Errorf("New(%q) scale = %d, want %d", tt.input, got.scale, tt.wantScale)
			}
		}
	}
}

func TestArithmetic(t *testing.T) {
	if got := MustNew("1000").Add(MustNew("100")).String(); got != "1100" {
		t.Fatalf("expected 1100, got %s", got)
	}
	if got := MustNew("1000").Sub(MustNew("100.25")).String(); got != "899.75" {
		t.Fatalf("expected 899.75, got %s", got)
	}
	if got := MustNew("0.5").Mul(MustNew("0.5")).String(); got != "0.25" {
		t.Fatalf("expected 0.25, got %s", got)
	}
	if got := MustNew("10").Div(MustNew("3"), 4).String(); got != "3.3333" {
		t.Fatalf("expected 3.3333, got %s", got)
	}
	if got := MustNew("-10").Div(MustNew("3"), 2).String(); got != "-3.33" {
		t.Fatalf("expected -3.33 (truncated toward zero), got %s", got)
	}
	if got := MustNew("1").Div(Zero, 2); !got.IsZero() {
		t.Fatalf("expected zero on division by zero, got %s", got)
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		in    string
		scale int
		want  string
	}{
		{"1.005", 2, "1.01"},
		{"1.004", 2, "1"},
		{"-1.005", 2, "-1.01"},
		{"2.5", 0, "3"},
		{"12", 2, "12"},
	}
	for _, tt := range tests {
		if got := MustNew(tt.in).Round(tt.scale).String(); got != tt.want {
			t.Errorf("Round(%s, %d) = %s, want %s", tt.in, tt.scale, got, tt.want)
		}
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		amount, pct string
		want        string
	}{
		{"1000", "10", "100"},
		{"999.99", "10", "100"},
		{"1234.56", "12.5", "154.32"},
		{"1", "0.5", "0.01"},
	}
	for _, tt := range tests {
		got := MustNew(tt.amount).Percent(MustNew(tt.pct), 2)
		if got.Cmp(MustNew(tt.want)) != 0 {
			t.Errorf("%s%% of %s = %s, want %s", tt.pct, tt.amount, got, tt.want)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	if got := MustNew("1500.50").ToMinor(2); got != 150050 {
		t.Fatalf("expected 150050, got %d", got)
	}
	if got := MustNew("10.555").ToMinor(2); got != 1056 {
		t.Fatalf("expected 1056, got %d", got)
	}
	if got := FromMinor(110000, 2).String(); got != "1100" {
		t.Fatalf("expected 1100, got %s", got)
	}
	if got := FromMinor(5, 2).StringFixed(2); got != "0.05" {
		t.Fatalf("expected 0.05, got %s", got)
	}
	if got := FromMinor(-150, 2).StringFixed(2); got != "-1.50" {
		t.Fatalf("expected -1.50, got %s", got)
	}
}

func TestCmpAndMin(t *testing.T) {
	a, b := MustNew("1.10"), MustNew("1.1")
	if a.Cmp(b) != 0 {
		t.Fatal("expected equal values across scales")
	}
	if Min(MustNew("2"), MustNew("1.5")).String() != "1.5" {
		t.Fatal("expected min 1.5")
	}
}
