// Package idgen draws opaque alphanumeric identifiers and secrets.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// Alphabet is the 62-character set every generated string is drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// largest multiple of len(Alphabet) that fits in a byte; bytes at or above it are redrawn
const rejectAbove = 256 - 256%len(Alphabet)

// Generate returns a uniformly random string of the given length.
// It panics only if the system random source fails.
func Generate(length int) string {
	if length <= 0 {
		return ""
	}
	out := make([]byte, 0, length)
	buf := make([]byte, length+length/4+8)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("idgen: system random source failed: %v", err))
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out)
}

// Unique draws ids until taken reports false. The first five draws use
// length base; every further five failed draws add one character.
func Unique(base int, taken func(string) bool) string {
	for attempt := 0; ; attempt++ {
		id := Generate(base + attempt/5)
		if !taken(id) {
			return id
		}
	}
}
