// Package integrity computes and verifies SHA-256 content checksums used by the
// cloud cache metadata sidecars.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Verify reports whether data hashes to the expected hex checksum.
// Comparison is case-insensitive; an empty expectation never verifies.
func Verify(data []byte, expected string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	return strings.EqualFold(Sum(data), expected)
}

// SumFile streams the file at path through SHA-256.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile reports whether the file at path hashes to expected.
// Missing or unreadable files never verify.
func VerifyFile(path, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return false
	}
	sum, err := SumFile(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(sum, strings.TrimSpace(expected))
}
