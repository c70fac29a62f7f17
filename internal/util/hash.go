package util

import (
	"crypto/sha256"
	"fmt"
)

// HashSampleSize bounds how much of a payload gets fingerprinted. Hashing
// only the first 64 KiB keeps dedup cost constant for very large payloads.
// Two distinct payloads sharing a 64 KiB prefix will collide; that trade-off
// is intentional and matches the retention behaviour users expect.
const HashSampleSize = 64 * 1024

// ContentHash creates a SHA256 fingerprint of content, sampled to the first
// HashSampleSize bytes.
func ContentHash(content []byte) string {
	if len(content) > HashSampleSize {
		content = content[:HashSampleSize]
	}
	return fmt.Sprintf("%x", sha256.Sum256(content))
}
