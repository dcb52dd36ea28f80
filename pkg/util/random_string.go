package utils

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
)

// https://stackoverflow.com/questions/22892120/how-to-generate-a-random-string-of-a-fixed-length-in-go

type RandomStringGenerator struct {
	mut sync.Mutex
	gen *rand.Rand
	// Source of nonces. Seeded values are never used for them.
	entropy io.Reader
}

func CreateRandomstringGenerator(seed int64) *RandomStringGenerator {
	return &RandomStringGenerator{
		mut:     sync.Mutex{},
		gen:     rand.New(rand.NewSource(seed)),
		entropy: crand.Reader,
	}
}

// CreateSecureRandomGenerator seeds from the operating system so values
// cannot be predicted from the process start time.
func CreateSecureRandomGenerator() *RandomStringGenerator {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(err)
	}
	return CreateRandomstringGenerator(int64(binary.LittleEndian.Uint64(seed[:])))
}

var letters = []rune("123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ")

func (g *RandomStringGenerator) GetRandomString(n int) string {
	g.mut.Lock()
	defer g.mut.Unlock()

	b := make([]rune, n)
	for i := range b {
		b[i] = letters[g.gen.Intn(len(letters))]
	}
	return string(b)
}

// Nonce returns a non-zero 31 bit value read from the operating system.
// Zero is reserved for "no challenge". If the system source fails the seeded
// generator stands in.
func (g *RandomStringGenerator) Nonce() int32 {
	g.mut.Lock()
	defer g.mut.Unlock()

	var b [4]byte
	for {
		var v int32
		if _, err := io.ReadFull(g.entropy, b[:]); err == nil {
			v = int32(binary.LittleEndian.Uint32(b[:]) & 0x7fffffff)
		} else {
			v = g.gen.Int31()
		}
		if v != 0 {
			return v
		}
	}
}

func Contains[T comparable](value T, list []T) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
