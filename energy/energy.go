// Package energy converts battery state of charge into absolute remaining energy.
package energy

import "time"

// Reading is a computed energy value. It exists only between computation and
// relay submission; nothing persists it.
type Reading struct {
	CapacityWh float64
	SOCPercent float64 // clamped to [0, 100]
	EnergyWh   float64
	Timestamp  time.Time
}

// Compute derives the absolute remaining energy from a capacity and an SOC
// percentage. SOC values outside [0, 100] are clamped to the nearest bound;
// the function is total and never fails. Capacity is validated once at
// startup and assumed positive here.
func Compute(capacityWh, socPercent float64, ts time.Time) Reading {
	soc := max(0, min(socPercent, 100))
	return Reading{
		CapacityWh: capacityWh,
		SOCPercent: soc,
		EnergyWh:   capacityWh * soc / 100,
		Timestamp:  ts,
	}
}
