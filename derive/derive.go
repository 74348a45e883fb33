// Package derive computes engineering metrics from raw heat-pump readings.
//
// Everything here is pure: no I/O, no clocks. A derived field is nil whenever
// one of its inputs is missing or the result would not be finite; nothing is
// ever filled from a default.
package derive

import "math"

const (
	// waterDensity in kg/L near typical loop temperatures.
	waterDensity = 0.997
	// waterSpecificHeat in kJ/(kg·K).
	waterSpecificHeat = 4.186
	// minCOPPowerKW is the electrical input below which a COP ratio is
	// physically meaningless (standby draw).
	minCOPPowerKW = 0.05
)

// QualityMeasured marks a COP computed from measured thermal and electrical power.
const QualityMeasured = "measured"

// Raw holds the readings the derivation needs. Nil means "not reported".
type Raw struct {
	SupplyC *float64
	ReturnC *float64
	FlowLps *float64
	PowerKW *float64
}

// Sample is the derived companion of one telemetry record.
type Sample struct {
	DeltaT     *float64
	ThermalKW  *float64
	COP        *float64
	COPQuality *string
}

// Compute derives ΔT, thermal output and COP from raw readings.
func Compute(raw Raw) Sample {
	var out Sample

	if !finite(raw.SupplyC) || !finite(raw.ReturnC) {
		return out
	}
	deltaT := Round(*raw.SupplyC-*raw.ReturnC, 1)
	if !finite(&deltaT) {
		return out
	}
	out.DeltaT = &deltaT

	if !finite(raw.FlowLps) {
		return out
	}
	thermal := Round(waterDensity*waterSpecificHeat**raw.FlowLps*deltaT, 2)
	if !finite(&thermal) {
		return out
	}
	out.ThermalKW = &thermal

	if !finite(raw.PowerKW) || *raw.PowerKW <= minCOPPowerKW {
		return out
	}
	cop := Round(thermal / *raw.PowerKW, 2)
	if !finite(&cop) {
		return out
	}
	quality := QualityMeasured
	out.COP = &cop
	out.COPQuality = &quality
	return out
}

// Round rounds half-up to the given number of decimal places. Values too
// large to scale are already integral and come back unchanged.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	scaled := v*p + 0.5
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return v
	}
	return math.Floor(scaled) / p
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
