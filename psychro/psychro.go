// Package psychro implements the Magnus-form psychrometric relations used
// to derive humidity and vapour pressure deficit from wet/dry bulb pairs.
package psychro

import (
	"math"

	"growhouse-go/x/mathx"
)

// StandardPressure is sea-level pressure in hPa, used until a zone
// reports its own barometric reading.
const StandardPressure = 1013.25

// SaturationPressure returns the Magnus-form saturation vapour pressure
// e_s(T) in hPa for a temperature in Celsius.
func SaturationPressure(tempC float64) float64 {
	return 6.112 * math.Exp(17.67*tempC/(tempC+243.5))
}

// FromWetDry derives relative humidity (%) and vapour pressure deficit
// (kPa) from a dry/wet bulb pair at the given barometric pressure (hPa).
func FromWetDry(dryC, wetC, pressureHPa float64) (rh, vpdKPa float64) {
	esDry := SaturationPressure(dryC)
	esWet := SaturationPressure(wetC)
	e := esWet - 0.000662*pressureHPa*(dryC-wetC)
	rh = mathx.Clamp(e/esDry*100, 0, 100)
	vpdKPa = math.Max(0, (esDry-e)/10)
	return rh, vpdKPa
}

// RHFromDewPoint derives relative humidity (%) from air temperature and
// dew point, both Celsius.
func RHFromDewPoint(tempC, dewC float64) float64 {
	return mathx.Clamp(SaturationPressure(dewC)/SaturationPressure(tempC)*100, 0, 100)
}
