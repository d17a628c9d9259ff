package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"sort"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Hasher accumulates typed fields into a sha256 digest. Every field is length
// or width prefixed so that adjacent fields cannot alias each other.
type Hasher struct {
	h   hash.Hash
	buf [8]byte
}

// NewHasher creates an empty hasher
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// String adds a length-prefixed string
func (hs *Hasher) String(s string) *Hasher {
	hs.Uint(uint64(len(s)))
	hs.h.Write([]byte(s))
	return hs
}

// Strings adds a counted list of strings
func (hs *Hasher) Strings(ss []string) *Hasher {
	hs.Uint(uint64(len(ss)))
	for _, s := range ss {
		hs.String(s)
	}
	return hs
}

// Uint adds a fixed-width integer
func (hs *Hasher) Uint(v uint64) *Hasher {
	binary.LittleEndian.PutUint64(hs.buf[:], v)
	hs.h.Write(hs.buf[:])
	return hs
}

// Floats adds a counted list of float64 using their IEEE-754 bit patterns
func (hs *Hasher) Floats(fs []float64) *Hasher {
	hs.Uint(uint64(len(fs)))
	for _, f := range fs {
		hs.Uint(math.Float64bits(f))
	}
	return hs
}

// Bytes adds a length-prefixed byte slice
func (hs *Hasher) Bytes(b []byte) *Hasher {
	hs.Uint(uint64(len(b)))
	hs.h.Write(b)
	return hs
}

// Sum returns the accumulated digest
func (hs *Hasher) Sum() Hash {
	return Hash(hex.EncodeToString(hs.h.Sum(nil)))
}

// SortedKeys returns the keys of m in lexicographic order. Map iteration order
// is random, so everything that feeds a hash goes through here.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
