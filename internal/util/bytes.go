package util

import "github.com/awnumar/memguard"

// CopyBytes returns a copy of src that can be handed to a consumer which
// wipes it, leaving src intact.
func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	memguard.WipeBytes(b)
}
