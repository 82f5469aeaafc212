package normalize

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

// Simhash computes a 64-bit similarity fingerprint over whitespace-delimited
// tokens. Texts differing in a few tokens land within a small Hamming
// distance of each other.
func Simhash(text string) uint64 {
	var weights [64]int
	for _, token := range strings.Fields(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}
	var fingerprint uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			fingerprint |= 1 << uint(bit)
		}
	}
	return fingerprint
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
