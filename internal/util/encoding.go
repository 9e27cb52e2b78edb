package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns s in Unicode NFC so that identities typed on different
// systems compare equal once recorded.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// Fingerprint renders b as colon-separated upper-case hex pairs, the way
// openssl prints serials and digests.
func Fingerprint(b []byte) string {
	h := strings.ToUpper(hex.EncodeToString(b))
	var sb strings.Builder
	for i := 0; i < len(h); i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(h[i : i+2])
	}
	return sb.String()
}
