package money

import (
	"errors"
	"math"
	"testing"
)

func usd(t *testing.T) Asset {
	t.Helper()
	asset, ok := LookupAsset("usd")
	if !ok {
		t.Fatal("USD missing from registry")
	}
	return asset
}

func TestFromMajor(t *testing.T) {
	tests := []struct {
		in         string
		wantAtomic int64
		wantErr    bool
	}{
		{"10.50", 1050, false},
		{"10", 1000, false},
		{"10.", 1000, false},
		{".5", 50, false},
		{"0.005", 1, false}, // half-up
		{"0.004", 0, false}, // rounds down
		{"-10.50", -1050, false},
		{"-0.50", -50, false},
		{"", 0, true},
		{"10.5.0", 0, true},
		{"1e3", 0, true},
		{"10.5x", 0, true},
	}
	for _, tt := range tests {
		got, err := FromMajor(usd(t), tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("FromMajor(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("FromMajor(%q) error = %v", tt.in, err)
			continue
		}
		if got.Atomic != tt.wantAtomic {
			t.Errorf("FromMajor(%q) = %d atomic, want %d", tt.in, got.Atomic, tt.wantAtomic)
		}
	}
}

func TestToMajor(t *testing.T) {
	tests := []struct {
		atomic int64
		want   string
	}{
		{1050, "10.50"},
		{0, "0.00"},
		{5, "0.05"},
		{-1050, "-10.50"},
		{-50, "-0.50"},
	}
	for _, tt := range tests {
		if got := New(usd(t), tt.atomic).ToMajor(); got != tt.want {
			t.Errorf("ToMajor(%d) = %q, want %q", tt.atomic, got, tt.want)
		}
	}
}

func TestMajorRoundTrip(t *testing.T) {
	btc, ok := LookupAsset("BTC")
	if !ok {
		t.Fatal("BTC missing from registry")
	}
	m, err := FromMajor(btc, "0.00050000")
	if err != nil {
		t.Fatal(err)
	}
	if m.Atomic != 50000 {
		t.Fatalf("atomic = %d, want 50000", m.Atomic)
	}
	if got := m.ToMajor(); got != "0.00050000" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestAdd(t *testing.T) {
	a := New(usd(t), 600)
	b := New(usd(t), 450)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Atomic != 1050 {
		t.Fatalf("sum = %d, want 1050", sum.Atomic)
	}

	eur, _ := LookupAsset("EUR")
	if _, err := a.Add(New(eur, 100)); !errors.Is(err, ErrAssetMismatch) {
		t.Fatalf("cross-asset add error = %v, want ErrAssetMismatch", err)
	}

	if _, err := New(usd(t), math.MaxInt64).Add(New(usd(t), 1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("overflow error = %v, want ErrOverflow", err)
	}
}

func TestMulBasisPoints(t *testing.T) {
	// A 95% threshold of $10.00 is exactly $9.50, so a $9.50 transfer
	// clears it and $9.49 does not. Integer arithmetic makes the
	// boundary exact.
	expected := New(usd(t), 1000)
	threshold, err := expected.MulBasisPoints(9500)
	if err != nil {
		t.Fatal(err)
	}
	if threshold.Atomic != 950 {
		t.Fatalf("threshold = %d, want 950", threshold.Atomic)
	}
	if New(usd(t), 950).LessThan(threshold) {
		t.Error("950 below its own threshold")
	}
	if !New(usd(t), 949).LessThan(threshold) {
		t.Error("949 not below threshold")
	}

	// Half-up rounding: 9500bp of 333 cents is 316.35 → 316.
	m, err := New(usd(t), 333).MulBasisPoints(9500)
	if err != nil {
		t.Fatal(err)
	}
	if m.Atomic != 316 {
		t.Fatalf("rounded = %d, want 316", m.Atomic)
	}
}

func TestLookupAsset(t *testing.T) {
	if _, ok := LookupAsset("usd"); !ok {
		t.Error("lowercase lookup failed")
	}
	if _, ok := LookupAsset(" BTC "); !ok {
		t.Error("whitespace-padded lookup failed")
	}
	if _, ok := LookupAsset("DOGE"); ok {
		t.Error("unregistered asset resolved")
	}
}
