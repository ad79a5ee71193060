package domain

import (
	"math"
	"testing"
	"time"
)

func TestBaseUnits(t *testing.T) {
	tests := []struct {
		name string
		size float64
		want int64
	}{
		{"one", 1, 1_000_000_000},
		{"fraction", 0.1, 100_000_000},
		{"small", 0.000000001, 1},
		{"rounds", 0.0000000014, 1},
		{"negative", -2.5, -2_500_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToBaseUnits(tt.size); got != tt.want {
				t.Fatalf("ToBaseUnits(%v) = %d, want %d", tt.size, got, tt.want)
			}
		})
	}

	if got := FromBaseUnits(1_500_000_000); got != 1.5 {
		t.Fatalf("FromBaseUnits = %v, want 1.5", got)
	}
}

func TestApplyBps(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		bps   int
		up    bool
		want  float64
	}{
		{"long adds", 100, 50, true, 100.5},
		{"short subtracts", 100, 50, false, 99.5},
		{"zero bps", 1.25, 0, true, 1.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyBps(tt.price, tt.bps, tt.up)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("ApplyBps = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseExpoPrice(t *testing.T) {
	got, err := ParseExpoPrice("15023", -4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-1.5023) > 1e-12 {
		t.Fatalf("got %v, want 1.5023", got)
	}

	if _, err := ParseExpoPrice("abc", -2); err == nil {
		t.Fatal("expected error for non-numeric mantissa")
	}
}

func TestBoxContains(t *testing.T) {
	t0 := time.UnixMilli(47_500)
	t1 := time.UnixMilli(52_500)
	box := Box{T0: t0, T1: t1, P0: 1.75, P1: 1.25}

	tests := []struct {
		name  string
		at    time.Time
		price float64
		want  bool
	}{
		{"inside with inverted bounds", time.UnixMilli(50_000), 1.5, true},
		{"on t0 edge", t0, 1.25, true},
		{"on t1 edge", t1, 1.75, true},
		{"before window", time.UnixMilli(47_499), 1.5, false},
		{"after window", time.UnixMilli(52_501), 1.5, false},
		{"price above", time.UnixMilli(50_000), 1.76, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := box.Contains(tt.at, tt.price); got != tt.want {
				t.Fatalf("Contains = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRawAccountOpen(t *testing.T) {
	acct := RawAccount{Positions: []RawPosition{
		{MarketIndex: 0, BaseAssetAmount: 0},
		{MarketIndex: 1, BaseAssetAmount: -5},
	}}
	open := acct.Open()
	if len(open) != 1 || open[0].MarketIndex != 1 {
		t.Fatalf("Open() = %+v, want only market 1", open)
	}
}
