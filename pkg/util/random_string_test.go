package utils

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRandomStringGenerator_Deterministic(t *testing.T) {
	a := CreateRandomstringGenerator(42)
	b := CreateRandomstringGenerator(42)
	if a.GetRandomString(12) != b.GetRandomString(12) {
		t.Errorf("generators with the same seed diverged")
	}
	if len(a.GetRandomString(6)) != 6 {
		t.Errorf("wrong string length")
	}
}

func TestNonce_NeverZero(t *testing.T) {
	g := CreateSecureRandomGenerator()
	seen := map[int32]bool{}
	for i := 0; i < 1000; i++ {
		n := g.Nonce()
		if n <= 0 {
			t.Fatalf("Nonce() = %d", n)
		}
		seen[n] = true
	}
	if len(seen) < 990 {
		t.Errorf("nonces repeat too often: %d distinct of 1000", len(seen))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("no entropy")
}

func TestNonce_ReadsEntropyNotSeed(t *testing.T) {
	a := CreateRandomstringGenerator(42)
	b := CreateRandomstringGenerator(42)
	if a.Nonce() == b.Nonce() {
		t.Errorf("generators with the same seed produced the same nonce")
	}

	tests := []struct {
		name    string
		entropy []byte
		want    []int32
	}{
		{
			name:    "masked to 31 bits",
			entropy: []byte{0x01, 0x02, 0x03, 0x84},
			want:    []int32{0x04030201},
		},
		{
			name:    "zero is skipped",
			entropy: []byte{0, 0, 0, 0, 0, 0, 0, 0x80, 0x07, 0, 0, 0},
			want:    []int32{7},
		},
		{
			name:    "consecutive reads",
			entropy: []byte{0x10, 0, 0, 0, 0xff, 0xff, 0xff, 0xff},
			want:    []int32{0x10, 0x7fffffff},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := CreateRandomstringGenerator(1)
			g.entropy = bytes.NewReader(tt.entropy)
			got := []int32{}
			for range tt.want {
				got = append(got, g.Nonce())
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Nonce() diff:\n%s", diff)
			}
		})
	}
}

func TestNonce_FallsBackWhenEntropyFails(t *testing.T) {
	g := CreateRandomstringGenerator(7)
	g.entropy = failingReader{}
	for i := 0; i < 100; i++ {
		if n := g.Nonce(); n <= 0 {
			t.Fatalf("Nonce() = %d", n)
		}
	}
}

func TestContains(t *testing.T) {
	if !Contains("b", []string{"a", "b"}) || Contains("c", []string{"a", "b"}) {
		t.Errorf("Contains() string mismatch")
	}
	if Contains(3, nil) {
		t.Errorf("Contains() on nil list")
	}
}
