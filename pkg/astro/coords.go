// Package astro provides the pure celestial-coordinate math used by the
// session engines: sexagesimal parsing, J2000→apparent conversion, mosaic
// panel spacing, and geomagnetic declination.
//
// RA is expressed in hours and Dec in degrees throughout, matching the
// device wire protocol.
package astro

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseCoordinate normalizes a target coordinate to apparent (JNow) RA hours
// and Dec degrees. RA and Dec may be float64 (RA hours / Dec degrees) or
// sexagesimal strings ("17h21m29.1s", "+80d33m44.5s", or colon-separated).
// When isJ2000 is true the pair is precessed from J2000 to the current epoch.
func ParseCoordinate(isJ2000 bool, ra, dec any) (raHours, decDeg float64, err error) {
	raHours, err = parseRA(ra)
	if err != nil {
		return 0, 0, err
	}
	decDeg, err = parseDec(dec)
	if err != nil {
		return 0, 0, err
	}
	if isJ2000 {
		raHours, decDeg = J2000ToApparent(raHours, decDeg, time.Now().UTC())
	}
	return raHours, decDeg, nil
}

// J2000ToApparent precesses a J2000 (ICRS) position to the apparent equinox
// of date using the rigorous rotation for general precession (IAU 1976
// angles, sub-arcsecond over the supported range). Input and output RA in
// hours, Dec in degrees.
func J2000ToApparent(raHours, decDeg float64, at time.Time) (float64, float64) {
	// Julian centuries since J2000.0.
	const j2000 = 2451545.0
	jd := float64(at.Unix())/86400.0 + 2440587.5
	t := (jd - j2000) / 36525.0

	// Precession angles in arcseconds.
	zeta := (2306.2181 + 0.30188*t + 0.017998*t*t) * t
	z := (2306.2181 + 1.09468*t + 0.018203*t*t) * t
	theta := (2004.3109 - 0.42665*t - 0.041833*t*t) * t

	const asToRad = math.Pi / (180 * 3600)
	zeta *= asToRad
	z *= asToRad
	theta *= asToRad

	ra := raHours * 15 * math.Pi / 180
	dec := decDeg * math.Pi / 180

	a := math.Cos(dec) * math.Sin(ra+zeta)
	b := math.Cos(theta)*math.Cos(dec)*math.Cos(ra+zeta) - math.Sin(theta)*math.Sin(dec)
	c := math.Sin(theta)*math.Cos(dec)*math.Cos(ra+zeta) + math.Cos(theta)*math.Sin(dec)

	outRA := math.Atan2(a, b) + z
	outDec := math.Asin(c)

	outRAHours := outRA * 180 / math.Pi / 15
	for outRAHours < 0 {
		outRAHours += 24
	}
	for outRAHours >= 24 {
		outRAHours -= 24
	}
	return outRAHours, outDec * 180 / math.Pi
}

// parseRA accepts float hours or a sexagesimal hour string.
func parseRA(v any) (float64, error) {
	switch ra := v.(type) {
	case float64:
		return ra, nil
	case int:
		return float64(ra), nil
	case string:
		return parseSexagesimal(ra, "h", "m", "s")
	default:
		return 0, fmt.Errorf("unsupported RA value %v (%T)", v, v)
	}
}

// parseDec accepts float degrees or a sexagesimal degree string.
func parseDec(v any) (float64, error) {
	switch dec := v.(type) {
	case float64:
		return dec, nil
	case int:
		return float64(dec), nil
	case string:
		return parseSexagesimal(dec, "d", "m", "s")
	default:
		return 0, fmt.Errorf("unsupported Dec value %v (%T)", v, v)
	}
}

// parseSexagesimal parses "17h21m29.1s", "-80d33m44.5s" or "17:21:29.1"
// into a decimal value. Missing minute/second components default to zero.
func parseSexagesimal(s, unit1, unit2, unit3 string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty coordinate string")
	}

	sign := 1.0
	switch s[0] {
	case '-':
		sign = -1.0
		s = s[1:]
	case '+':
		s = s[1:]
	}

	var parts []string
	if strings.Contains(s, ":") {
		parts = strings.Split(s, ":")
	} else {
		normalized := strings.NewReplacer(unit1, ":", unit2, ":", unit3, "").Replace(s)
		normalized = strings.TrimSuffix(normalized, ":")
		parts = strings.Split(normalized, ":")
	}
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid coordinate string %q", s)
	}

	var value, scale float64
	scale = 1
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			scale *= 60
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid coordinate component %q in %q: %w", p, s, err)
		}
		value += f / scale
		scale *= 60
	}
	return sign * value, nil
}

// TrimSeconds reduces the seconds component of a sexagesimal string to one
// decimal ("17h21m29.17s" → "17h21m29.2s"). Non-sexagesimal inputs pass
// through unchanged.
func TrimSeconds(s string) string {
	if !strings.HasSuffix(s, "s") {
		return s
	}
	idx := strings.Index(s, "m")
	if idx <= 0 {
		return s
	}
	secs, err := strconv.ParseFloat(s[idx+1:len(s)-1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%s%.1fs", s[:idx+1], secs)
}
