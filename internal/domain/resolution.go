package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resolution is the bucket duration of a series. Only whole minutes are valid.
type Resolution time.Duration

func (r Resolution) String() string {
	if s, ok := resolutionToString[r]; ok {
		return s
	}
	return fmt.Sprintf("m%d", r.Minutes())
}

// Minutes returns the unit length in minutes.
func (r Resolution) Minutes() int {
	return int(time.Duration(r) / time.Minute)
}

func (r Resolution) Duration() time.Duration {
	return time.Duration(r)
}

func (r Resolution) Valid() bool {
	return r > 0 && time.Duration(r)%time.Minute == 0
}

// ResolutionFromMinutes converts a unit expressed in minutes.
func ResolutionFromMinutes(unit int) (Resolution, error) {
	if unit <= 0 {
		return 0, fmt.Errorf("%w: unit must be positive, got %d", ErrInvalidResolution, unit)
	}
	return Resolution(time.Duration(unit) * time.Minute), nil
}

func ParseResolution(s string) (Resolution, error) {
	if r, ok := stringToResolution[s]; ok {
		return r, nil
	}

	// arbitrary minute units use the m<N> form
	if n, found := strings.CutPrefix(s, "m"); found {
		unit, err := strconv.Atoi(n)
		if err == nil {
			return ResolutionFromMinutes(unit)
		}
	}
	return 0, ErrInvalidResolution
}

var resolutionToString = map[Resolution]string{
	Resolution(time.Minute):      "m1",
	Resolution(time.Minute * 3):  "m3",
	Resolution(time.Minute * 5):  "m5",
	Resolution(time.Minute * 10): "m10",
	Resolution(time.Minute * 15): "m15",
	Resolution(time.Minute * 30): "m30",
	Resolution(time.Hour):        "h1",
	Resolution(time.Hour * 4):    "h4",
}

var stringToResolution = map[string]Resolution{
	"m1":  Resolution(time.Minute),
	"m3":  Resolution(time.Minute * 3),
	"m5":  Resolution(time.Minute * 5),
	"m10": Resolution(time.Minute * 10),
	"m15": Resolution(time.Minute * 15),
	"m30": Resolution(time.Minute * 30),
	"h1":  Resolution(time.Hour),
	"h4":  Resolution(time.Hour * 4),
}
