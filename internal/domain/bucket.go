package domain

import "time"

// ResolveBucket maps a timestamp to the start of the bucket it belongs to.
// Buckets are aligned to Unix minute 0, so for every unit that divides an hour
// this is the same as dropping seconds and then (minute mod unit) minutes.
// The result is always in UTC.
func ResolveBucket(ts time.Time, res Resolution) time.Time {
	step := time.Duration(res).Milliseconds()
	if step <= 0 {
		return ts.Truncate(time.Minute).UTC()
	}

	ms := ts.UnixMilli()
	rem := ms % step
	if rem < 0 {
		rem += step
	}
	return time.UnixMilli(ms - rem).UTC()
}

// IsAligned reports whether t is already a canonical bucket start.
func IsAligned(t time.Time, res Resolution) bool {
	return ResolveBucket(t, res).Equal(t)
}
