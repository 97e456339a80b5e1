// Package integrity computes and compares content digests for cached
// agent artifacts. Digests are written as "<algorithm>:<hex>"; sha256 and
// blake3 are supported. A bare 64-character hex string is read as sha256.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Digest is a parsed content digest.
type Digest struct {
	Algorithm string
	Sum       []byte
}

func (d Digest) String() string {
	return d.Algorithm + ":" + hex.EncodeToString(d.Sum)
}

// Parse reads a digest in "<algorithm>:<hex>" form.
func Parse(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	alg, hexSum, ok := strings.Cut(s, ":")
	if !ok {
		alg, hexSum = SHA256, s
	}
	alg = strings.ToLower(alg)
	if _, err := newHash(alg); err != nil {
		return Digest{}, err
	}
	sum, err := hex.DecodeString(strings.ToLower(hexSum))
	if err != nil {
		return Digest{}, fmt.Errorf("parsing %s digest: %w", alg, err)
	}
	if len(sum) != 32 {
		return Digest{}, fmt.Errorf("%s digest is %d bytes, want 32", alg, len(sum))
	}
	return Digest{Algorithm: alg, Sum: sum}, nil
}

func newHash(alg string) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// Sum streams r through the named algorithm.
func Sum(alg string, r io.Reader) (Digest, error) {
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("hashing: %w", err)
	}
	return Digest{Algorithm: alg, Sum: h.Sum(nil)}, nil
}

// SumFile hashes the file at path with the named algorithm.
func SumFile(alg, path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()
	d, err := Sum(alg, f)
	if err != nil {
		return Digest{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Equal compares two digests in constant time.
func Equal(a, b Digest) bool {
	return a.Algorithm == b.Algorithm && subtle.ConstantTimeCompare(a.Sum, b.Sum) == 1
}

// VerifyFile hashes path with want's algorithm and reports the digest
// actually observed.
func VerifyFile(path string, want Digest) (got Digest, ok bool, err error) {
	got, err = SumFile(want.Algorithm, path)
	if err != nil {
		return Digest{}, false, err
	}
	return got, Equal(got, want), nil
}
