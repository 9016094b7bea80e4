package astro

import "math"

// Geomagnetic north dipole position (IGRF-13 epoch 2020).
const (
	dipoleLatDeg = 80.65
	dipoleLonDeg = -72.68
)

// GeomagDeclination estimates the magnetic declination (degrees, east
// positive) at the given site using the tilted-dipole approximation. Good to
// a few degrees at mid latitudes, which is sufficient for the compass
// calibration fudge applied by AdjustMagDeclination.
func GeomagDeclination(latDeg, lonDeg float64) float64 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	poleLat := dipoleLatDeg * math.Pi / 180
	poleLon := dipoleLonDeg * math.Pi / 180

	dLon := poleLon - lon
	y := math.Sin(dLon) * math.Cos(poleLat)
	x := math.Cos(lat)*math.Sin(poleLat) - math.Sin(lat)*math.Cos(poleLat)*math.Cos(dLon)
	return math.Atan2(y, x) * 180 / math.Pi
}

// RotateMatrix2x2 rotates a 2×2 calibration matrix by the given angle in
// degrees. The matrix is row-major: [a b; c d], columns are treated as
// points.
func RotateMatrix2x2(a, b, c, d, degrees float64) (ra, rb, rc, rd float64) {
	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	ra = cos*a - sin*c
	rb = cos*b - sin*d
	rc = sin*a + cos*c
	rd = sin*b + cos*d
	return ra, rb, rc, rd
}
