package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// futureSkewLimit bounds how far ahead of our clock an event timestamp
// may sit before the delivery is rejected. Provider clocks drift; beyond
// a minute it is not drift.
const futureSkewLimit = 60 * time.Second

// verifySHA256 checks an HMAC-SHA256 signature header of the form
// <prefix><hex> against the expected digest of message. The comparison is
// constant-time.
func verifySHA256(secret string, message []byte, header, prefix string) error {
	if header == "" {
		return apperr.New(apperr.CodeInvalidSignature, "signature header missing")
	}
	if !strings.HasPrefix(header, prefix) {
		return apperr.Newf(apperr.CodeInvalidSignature, "signature header must start with %q", prefix)
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return apperr.New(apperr.CodeInvalidSignature, "signature is not valid hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	if !hmac.Equal(mac.Sum(nil), want) {
		return apperr.New(apperr.CodeInvalidSignature, "signature mismatch")
	}
	return nil
}

// checkEventTimestamp applies the ingress timestamp gate: reject events
// older than the tolerance or more than futureSkewLimit ahead of now. A
// zero timestamp passes; callers that require one enforce presence
// themselves.
func checkEventTimestamp(ts, now time.Time, tolerance time.Duration) error {
	if ts.IsZero() {
		return nil
	}
	age := now.Sub(ts)
	if age > tolerance {
		return apperr.Newf(apperr.CodeTimestampOutOfRange,
			"event timestamp %s exceeds the %s tolerance", ts.UTC().Format(time.RFC3339), tolerance)
	}
	if age < -futureSkewLimit {
		return apperr.Newf(apperr.CodeTimestampOutOfRange,
			"event timestamp %s is more than %s in the future", ts.UTC().Format(time.RFC3339), futureSkewLimit)
	}
	return nil
}

// eventTime pulls a timestamp out of a provider payload, trying the keys
// in order. Accepts RFC3339 strings and unix epochs in seconds or
// milliseconds.
func eventTime(payload map[string]interface{}, keys ...string) time.Time {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		case float64:
			// 13-digit epochs are milliseconds.
			if v > 1e12 {
				return time.UnixMilli(int64(v)).UTC()
			}
			return time.Unix(int64(v), 0).UTC()
		}
	}
	return time.Time{}
}

// nestedString walks a path of map keys and returns the string at the
// leaf, or "" when any step is missing or the wrong shape.
func nestedString(payload map[string]interface{}, path ...string) string {
	current := interface{}(payload)
	for _, key := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current = m[key]
	}
	s, _ := current.(string)
	return s
}
