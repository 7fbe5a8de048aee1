package trust

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	AlgorithmSHA256 = "sha256"
	AlgorithmSHA512 = "sha512"
)

// Digest represents a content hash with algorithm.
type Digest struct {
	algorithm string
	value     string // lower-case hex
}

// NewDigest creates a digest from algorithm and hex value.
func NewDigest(algorithm, hexValue string) (Digest, error) {
	var size int
	switch algorithm {
	case AlgorithmSHA256:
		size = sha256.Size
	case AlgorithmSHA512:
		size = sha512.Size
	default:
		return Digest{}, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}

	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid %s digest value: %w", algorithm, err)
	}
	if len(raw) != size {
		return Digest{}, fmt.Errorf("invalid %s digest length: %d bytes", algorithm, len(raw))
	}

	return Digest{algorithm: algorithm, value: strings.ToLower(hexValue)}, nil
}

// ParseDigest parses a digest string (e.g., "sha256:abc123...").
func ParseDigest(s string) (Digest, error) {
	algorithm, value, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("invalid digest format: %s", s)
	}
	return NewDigest(algorithm, value)
}

// SHA256 computes the SHA-256 digest of data.
func SHA256(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{algorithm: AlgorithmSHA256, value: hex.EncodeToString(sum[:])}
}

// ComputeDigestSHA256 computes the SHA-256 digest of reader contents.
func ComputeDigestSHA256(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return Digest{algorithm: AlgorithmSHA256, value: hex.EncodeToString(h.Sum(nil))}, nil
}

// String returns the canonical digest string.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.algorithm + ":" + d.value
}

// Algorithm returns the hash algorithm.
func (d Digest) Algorithm() string {
	return d.algorithm
}

// Value returns the hex-encoded hash value.
func (d Digest) Value() string {
	return d.value
}

// IsZero reports whether d is the zero Digest.
func (d Digest) IsZero() bool {
	return d.algorithm == ""
}

// Short returns the algorithm and first 12 hex characters, for prompts.
func (d Digest) Short() string {
	if len(d.value) <= 12 {
		return d.String()
	}
	return d.algorithm + ":" + d.value[:12]
}

// Equals checks equality with another digest.
func (d Digest) Equals(other Digest) bool {
	return d.algorithm == other.algorithm && d.value == other.value
}

// Verify validates data matches this digest.
func (d Digest) Verify(data []byte) error {
	var computed Digest
	switch d.algorithm {
	case AlgorithmSHA256:
		computed = SHA256(data)
	case AlgorithmSHA512:
		sum := sha512.Sum512(data)
		computed = Digest{algorithm: AlgorithmSHA512, value: hex.EncodeToString(sum[:])}
	default:
		return fmt.Errorf("unsupported algorithm: %s", d.algorithm)
	}

	if !d.Equals(computed) {
		return fmt.Errorf("digest mismatch: expected %s, got %s", d, computed)
	}
	return nil
}
