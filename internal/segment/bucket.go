package segment

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// bucketResolution splits [0,100) into 10000 buckets of 0.01 percent.
const bucketResolution = 10000

// Bucket hashes the joined parts into [0,100) with 0.01 resolution. The
// result depends only on the input, so a retried call lands in the same
// bucket.
func Bucket(parts ...string) float64 {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v%bucketResolution) / 100
}
