package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Sign computes the hex HMAC-SHA256 signature over "{timestamp}.{body}".
func Sign(timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature with a constant-time comparison and a
// bounded clock-skew tolerance, rejecting replays of old payloads.
func Verify(timestamp, signature string, body []byte, secret string, skewTolerance time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp: %w", err)
	}

	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > skewTolerance {
		return fmt.Errorf("timestamp outside skew tolerance of %s", skewTolerance)
	}

	expected := Sign(timestamp, body, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
