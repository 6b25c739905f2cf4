package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatInt(v int) string {
	return strconv.Itoa(v)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
