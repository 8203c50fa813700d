package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

func TestCheckEventTimestampWindow(t *testing.T) {
	tolerance := 5 * time.Minute

	cases := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"fresh", -time.Second, true},
		{"at tolerance", -tolerance, true},
		{"just past tolerance", -tolerance - time.Second, false},
		{"slight clock skew ahead", 59 * time.Second, true},
		{"too far in the future", 61 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkEventTimestamp(testNow.Add(tc.offset), testNow, tolerance)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, apperr.CodeTimestampOutOfRange, apperr.CodeOf(err))
		})
	}
}

func TestCheckEventTimestampZeroPasses(t *testing.T) {
	assert.NoError(t, checkEventTimestamp(time.Time{}, testNow, time.Minute))
}

func TestEventTimeFormats(t *testing.T) {
	want := time.Date(2026, 4, 2, 9, 58, 0, 0, time.UTC)

	assert.Equal(t, want, eventTime(map[string]interface{}{"timestamp": want.Format(time.RFC3339)}, "timestamp"))
	assert.Equal(t, want, eventTime(map[string]interface{}{"timestamp": float64(want.UnixMilli())}, "timestamp"))
	assert.Equal(t, want, eventTime(map[string]interface{}{"timestamp": float64(want.Unix())}, "timestamp"))
	assert.True(t, eventTime(map[string]interface{}{}, "timestamp").IsZero())
	assert.Equal(t, want, eventTime(map[string]interface{}{"occurred_at": want.Format(time.RFC3339)}, "timestamp", "occurred_at"))
}

func TestVerifySHA256(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	good := "sha256=" + signHex("topsecret", body)

	assert.NoError(t, verifySHA256("topsecret", body, good, "sha256="))

	for name, header := range map[string]string{
		"missing":      "",
		"wrong prefix": "sha1=" + signHex("topsecret", body),
		"not hex":      "sha256=zzzz",
		"wrong key":    "sha256=" + signHex("othersecret", body),
	} {
		t.Run(name, func(t *testing.T) {
			err := verifySHA256("topsecret", body, header, "sha256=")
			assert.Equal(t, apperr.CodeInvalidSignature, apperr.CodeOf(err))
		})
	}
}
