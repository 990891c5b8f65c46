package bundlehash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const Version = "bundle-v1"

// Entry is the hashed view of one archive member.
type Entry struct {
	Path   string
	SHA256 string
}

// CanonicalSHA256 hashes json.Marshal(v). Map keys are sorted by encoding/json,
// so equal values hash equally.
func CanonicalSHA256(v any) (hexHash string, bytes []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return SHA256Hex(b), b, nil
}

// ComputeBundleHash covers the bundle version, the case, the hash of the
// manifest body and every entry in the order given.
func ComputeBundleHash(caseID, manifestHash string, entries []Entry) string {
	var b strings.Builder
	b.WriteString(Version)
	b.WriteString("\n")
	b.WriteString(caseID)
	b.WriteString("\n")
	b.WriteString(manifestHash)
	b.WriteString("\n")
	for _, e := range entries {
		b.WriteString(e.Path)
		b.WriteString(":")
		b.WriteString(e.SHA256)
		b.WriteString("\n")
	}
	return SHA256Hex([]byte(b.String()))
}

func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
