package admission

import (
	"strings"
	"time"
)

// Plan computes the delivery time of each of n recipients of one campaign.
//
// The campaign starts at max(sendAt, now). Consecutive recipients are spaced by
// the larger of perPairDelay and one hour divided by hourlyLimit, so at most
// hourlyLimit of them share an hour bucket when delivered on time. Non-positive
// overrides are ignored.
func Plan(now time.Time, sendAt *time.Time, perPairDelay time.Duration, hourlyLimit, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	var base time.Duration
	if sendAt != nil && sendAt.After(now) {
		base = sendAt.Sub(now)
	}
	out := make([]time.Time, n)
	step := Interval(perPairDelay, hourlyLimit)
	for i := range out {
		out[i] = now.Add(base + time.Duration(i)*step)
	}
	return out
}

// Interval is the spacing between consecutive recipients.
func Interval(perPairDelay time.Duration, hourlyLimit int) time.Duration {
	var step time.Duration
	if hourlyLimit > 0 {
		step = time.Hour / time.Duration(hourlyLimit)
	}
	if perPairDelay > step {
		step = perPairDelay
	}
	return step
}

// NormalizeRecipients trims addresses and drops empty entries. Order and
// duplicates are preserved: every entry becomes its own message.
func NormalizeRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
