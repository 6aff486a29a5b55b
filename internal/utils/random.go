package utils

import (
	"math/rand/v2"
	"strconv"
)

const codeAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandomInt returns an int in [min, max).
func RandomInt(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.IntN(max-min)
}

// RandomCode draws n characters from [0-9a-z], the format access and completion
// codes are issued in.
func RandomCode(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

// RandomParticipantID draws an identifier from [0, space).
func RandomParticipantID(space int) string {
	return strconv.Itoa(RandomInt(0, space))
}

// Pick returns a random element, or "" for an empty slice.
func Pick(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[rand.IntN(len(values))]
}
