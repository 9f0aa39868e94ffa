package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CID derives the content identifier of a payload: SHA-256 over its canonical
// JSON encoding.
func CID(payload interface{}) (string, error) {
	enc, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return SHA256Hex(enc), nil
}

// ConversationRoot returns the deterministic identifier for the unordered
// pair of two participant addresses. Symmetric: ConversationRoot(a, b) ==
// ConversationRoot(b, a).
func ConversationRoot(a, b string) string {
	lo, hi := strings.ToLower(a), strings.ToLower(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	return SHA256Hex([]byte(lo + "|" + hi))
}

// SessionID returns the time-windowed session identifier within a
// conversation. All timestamps inside the same windowSecs-second window map
// to the same id.
func SessionID(rootID string, ts int64, windowSecs int64) string {
	if windowSecs <= 0 {
		windowSecs = 3600
	}
	windowStart := ts - (ts % windowSecs)
	return SHA256Hex([]byte(fmt.Sprintf("%s|%d", rootID, windowStart)))
}
