package derive

import (
	"math"
	"testing"
)

func f(v float64) *float64 { return &v }

func approx(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s = nil, want %v", name, want)
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, *got, want)
	}
}

func TestComputeFullReading(t *testing.T) {
	t.Parallel()

	got := Compute(Raw{SupplyC: f(32.1), ReturnC: f(24.8), FlowLps: f(1.5), PowerKW: f(0.9)})

	// 0.997 * 4.186 * 1.5 * 7.3 = 45.699..., 45.70 / 0.9 = 50.777...
	approx(t, "DeltaT", got.DeltaT, 7.3)
	approx(t, "ThermalKW", got.ThermalKW, 45.70)
	approx(t, "COP", got.COP, 50.78)
	if got.COPQuality == nil || *got.COPQuality != QualityMeasured {
		t.Errorf("COPQuality = %v, want %q", got.COPQuality, QualityMeasured)
	}
}

func TestComputeMissingInputs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         Raw
		wantDelta   bool
		wantThermal bool
		wantCOP     bool
	}{
		{"nothing", Raw{}, false, false, false},
		{"supply only", Raw{SupplyC: f(40)}, false, false, false},
		{"temps only", Raw{SupplyC: f(40), ReturnC: f(35)}, true, false, false},
		{"no power", Raw{SupplyC: f(40), ReturnC: f(35), FlowLps: f(0.5)}, true, true, false},
		{"standby power", Raw{SupplyC: f(40), ReturnC: f(35), FlowLps: f(0.5), PowerKW: f(0.05)}, true, true, false},
		{"just above standby", Raw{SupplyC: f(40), ReturnC: f(35), FlowLps: f(0.5), PowerKW: f(0.051)}, true, true, true},
		{"flow without temps", Raw{FlowLps: f(1), PowerKW: f(2)}, false, false, false},
		{"nan supply", Raw{SupplyC: f(math.NaN()), ReturnC: f(35)}, false, false, false},
		{"inf flow", Raw{SupplyC: f(40), ReturnC: f(35), FlowLps: f(math.Inf(1)), PowerKW: f(1)}, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.raw)
			if (got.DeltaT != nil) != tt.wantDelta {
				t.Errorf("DeltaT present = %v, want %v", got.DeltaT != nil, tt.wantDelta)
			}
			if (got.ThermalKW != nil) != tt.wantThermal {
				t.Errorf("ThermalKW present = %v, want %v", got.ThermalKW != nil, tt.wantThermal)
			}
			if (got.COP != nil) != tt.wantCOP {
				t.Errorf("COP present = %v, want %v", got.COP != nil, tt.wantCOP)
			}
			if (got.COPQuality != nil) != tt.wantCOP {
				t.Errorf("COPQuality present = %v, want %v", got.COPQuality != nil, tt.wantCOP)
			}
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	t.Parallel()

	inputs := []Raw{
		{SupplyC: f(55.2), ReturnC: f(47.9), FlowLps: f(0.82), PowerKW: f(2.4)},
		{SupplyC: f(-3.5), ReturnC: f(-1.25), FlowLps: f(0.3), PowerKW: f(0.7)},
		{SupplyC: f(35), ReturnC: f(35), FlowLps: f(1.1), PowerKW: f(1.3)},
	}
	for _, in := range inputs {
		a, b := Compute(in), Compute(in)
		if *a.DeltaT != *b.DeltaT || *a.ThermalKW != *b.ThermalKW || *a.COP != *b.COP {
			t.Errorf("Compute not deterministic for %+v: %+v vs %+v", in, a, b)
		}
	}
}

func TestComputeDropsNonFiniteResults(t *testing.T) {
	t.Parallel()

	f := func(v float64) *float64 { return &v }

	got := Compute(Raw{SupplyC: f(1e308), ReturnC: f(-1e308), FlowLps: f(1.5), PowerKW: f(0.9)})
	if got.DeltaT != nil || got.ThermalKW != nil || got.COP != nil || got.COPQuality != nil {
		t.Errorf("overflowing delta: %+v", got)
	}

	got = Compute(Raw{SupplyC: f(1e307), ReturnC: f(0), FlowLps: f(1e300), PowerKW: f(0.9)})
	if got.DeltaT == nil || math.Abs(*got.DeltaT-1e307) > 1e295 {
		t.Fatalf("DeltaT = %v, want 1e307", got.DeltaT)
	}
	if got.ThermalKW != nil || got.COP != nil {
		t.Errorf("overflowing thermal: %+v", got)
	}
}

func TestRound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     float64
		places int
		want   float64
	}{
		{7.300000000000001, 1, 7.3},
		{1.25, 1, 1.3},
		{-1.25, 1, -1.2},
		{45.699, 2, 45.70},
		{0.004, 2, 0},
		{1e305, 4, 1e305},
		{math.MaxFloat64, 2, math.MaxFloat64},
	}
	for _, tt := range tests {
		if got := Round(tt.in, tt.places); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Round(%v, %d) = %v, want %v", tt.in, tt.places, got, tt.want)
		}
	}
}
