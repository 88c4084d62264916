package youtube

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// ShortMaxSeconds is the longest duration classified as a Short.
const ShortMaxSeconds = 60

// isoDurationRegex matches ISO-8601 durations as returned in contentDetails.duration,
// e.g. PT4M13S, PT1H2M, P1DT3S, P0D.
var isoDurationRegex = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration converts an ISO-8601 duration into whole seconds.
// Years and months are approximated as 365 and 30 days; only H/M/S show up in practice.
func ParseDuration(s string) (int, error) {
	m := isoDurationRegex.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("%w: bad duration %q", ErrInvalidResponse, s)
	}

	units := []float64{
		365 * 24 * 3600, // Y
		30 * 24 * 3600,  // M
		7 * 24 * 3600,   // W
		24 * 3600,       // D
		3600,            // H
		60,              // M
		1,               // S
	}

	var total float64
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad duration %q", ErrInvalidResponse, s)
		}
		total += n * unit
	}
	return int(math.Round(total)), nil
}

// IsShort reports whether a video of the given length counts as a Short.
// Zero-length videos (upcoming or live) are not Shorts.
func IsShort(seconds int) bool {
	return seconds > 0 && seconds <= ShortMaxSeconds
}
