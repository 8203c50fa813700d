package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beaconops/beacon-core/apps/alerting-service/internal/model"
)

// QuietNow reports whether now falls inside the user's quiet hours,
// evaluated in their timezone. Intervals may wrap midnight (22:00-07:00).
// An unparseable timezone falls back to UTC; an unparseable interval
// never blocks.
func QuietNow(p *model.UserPreference, now time.Time) bool {
	if p == nil || p.QuietHours == nil {
		return false
	}
	start, err := parseHHMM(p.QuietHours.Start)
	if err != nil {
		return false
	}
	end, err := parseHHMM(p.QuietHours.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}

	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// ValidQuietHours reports whether the interval would be honored by
// QuietNow: both bounds parse as HH:MM clock times. A nil interval is
// valid (no quiet hours).
func ValidQuietHours(q *model.QuietHours) bool {
	if q == nil {
		return true
	}
	if _, err := parseHHMM(q.Start); err != nil {
		return false
	}
	_, err := parseHHMM(q.End)
	return err == nil
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("malformed hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("malformed minute in %q", s)
	}
	return h*60 + m, nil
}

// DispatchBlocked evaluates the per-user preference gate for one
// prospective send. It returns a human-readable block cause, or "" when
// the dispatch may proceed. All causes map to the same cancellation
// reason; the cause lands in logs.
func DispatchBlocked(p *model.UserPreference, c model.Channel, s model.Severity, now time.Time) string {
	if p == nil {
		return ""
	}
	if !p.ChannelAllowed(c) {
		return "channel not in allow-list"
	}
	if !p.SevereEnough(c, s) {
		return "below per-channel severity threshold"
	}
	if QuietNow(p, now) {
		return "inside quiet hours"
	}
	return ""
}
