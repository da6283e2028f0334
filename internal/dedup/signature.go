package dedup

import (
	"crypto/sha1"
	"encoding/hex"

	"treefuzz/internal/types"
)

// SignatureLen is the length of a hex encoded signature.
const SignatureLen = 2 * sha1.Size

// Sign derives the crash signature from the rule tag and the normalized evidence.
func Sign(ev *types.Evidence) types.Signature {
	h := sha1.New()
	for i, piece := range []string{ev.Rule, Normalize(ev.Detail), Normalize(ev.Excerpt)} {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(piece))
	}
	return types.Signature(hex.EncodeToString(h.Sum(nil)))
}

// Valid reports whether s looks like a signature produced by Sign.
func Valid(s string) bool {
	if len(s) != SignatureLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
