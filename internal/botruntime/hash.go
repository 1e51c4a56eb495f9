package botruntime

import (
	"crypto/sha256"
	"encoding/hex"
)

// sha256Hex is the content-hash primitive behind outbound dedup keys.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
