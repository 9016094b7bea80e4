package astro

import "math"

// Device field of view at Dec 0: 1.29° tall, 3 minutes of RA wide.
const (
	fovDecDegrees = 1.29
	fovRAHours    = 3.0 / 60.0
)

// NextCenterSpacing computes the center-to-center spacing between adjacent
// mosaic panels at the given pointing, for the requested overlap percentage.
// ΔRA is in hours and grows by 1/cos(dec) away from the celestial equator;
// ΔDec is in degrees and constant. Within 5° of a pole the RA spacing is
// meaningless, so a full hour is returned to step panels well apart.
func NextCenterSpacing(raHours, decDeg, overlapPercent float64) (deltaRA, deltaDec float64) {
	deltaDec = fovDecDegrees * (100.0 - overlapPercent) / 100.0
	deltaRA = fovRAHours * (100.0 - overlapPercent) / 100.0

	if math.Abs(decDeg) > 85.0 {
		return 1.0, deltaDec
	}
	deltaRA /= math.Cos(decDeg * math.Pi / 180.0)
	return deltaRA, deltaDec
}
