package util

import (
	"bytes"
	"testing"
)

func TestBytes(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}

	copied := CopyBytes(a)
	if !bytes.Equal(copied, a) {
		t.Error("CopyBytes failed")
	}
	copied[0] = 0xFF
	if a[0] == 0xFF {
		t.Error("CopyBytes should return a new slice")
	}

	WipeBytes(copied)
	if !bytes.Equal(copied, []byte{0, 0, 0}) {
		t.Errorf("WipeBytes left %v", copied)
	}
}

func TestEncoding(t *testing.T) {
	if got := Fingerprint([]byte{0x0a, 0xbc, 0x01}); got != "0A:BC:01" {
		t.Errorf("Fingerprint: got %s", got)
	}
	if got := Fingerprint(nil); got != "" {
		t.Errorf("Fingerprint(nil): got %q", got)
	}

	normalized := Normalize("cafe\u0301") // é in NFD
	if normalized != "caf\u00e9" {
		t.Errorf("Normalize failed, got %q", normalized)
	}
}

func TestRandom(t *testing.T) {
	t.Run("RandomBytes", func(t *testing.T) {
		b1, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		b2, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		if len(b1) != 32 {
			t.Errorf("expected 32 bytes, got %d", len(b1))
		}
		if bytes.Equal(b1, b2) {
			t.Error("RandomBytes should produce different outputs")
		}
	})

	t.Run("RandomChars", func(t *testing.T) {
		s1, err := RandomChars(16)
		if err != nil {
			t.Fatalf("RandomChars failed: %v", err)
		}
		s2, err := RandomChars(16)
		if err != nil {
			t.Fatalf("RandomChars failed: %v", err)
		}
		if len(s1) != 16 {
			t.Errorf("expected length 16, got %d", len(s1))
		}
		if s1 == s2 {
			t.Error("RandomChars should produce different outputs")
		}
	})

	t.Run("RandomUint64", func(t *testing.T) {
		seen := make(map[uint64]bool)
		for i := 0; i < 100; i++ {
			n, err := RandomUint64()
			if err != nil {
				t.Fatalf("RandomUint64 failed: %v", err)
			}
			if seen[n] {
				t.Errorf("RandomUint64 repeated %d", n)
			}
			seen[n] = true
		}
	})

	t.Run("RandomIntn", func(t *testing.T) {
		max := 100
		for i := 0; i < 100; i++ {
			n, err := RandomIntn(max)
			if err != nil {
				t.Fatalf("RandomIntn failed: %v", err)
			}
			if n < 0 || n >= max {
				t.Errorf("RandomIntn(%d) returned %d out of range", max, n)
			}
		}
	})
}
