// Package carrier maps Benin phone numbers to their mobile-money carrier.
package carrier

import (
	"strings"
)

type Carrier string

const (
	MTN  Carrier = "mtn"
	Moov Carrier = "moov"
	None Carrier = "none"
)

// Detect returns the carrier owning the number's prefix. It strips every
// non-digit character first, so "01 02 03 04" and "01020304" are equivalent.
// Numbers must be in local format; a country code prefix yields None, as does
// any other unrecognized prefix. Never an error.
func Detect(phoneNumber string) Carrier {
	var b strings.Builder
	for _, r := range phoneNumber {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	clean := b.String()

	switch {
	case strings.HasPrefix(clean, "01"):
		return MTN
	case strings.HasPrefix(clean, "02"), strings.HasPrefix(clean, "05"):
		return Moov
	default:
		return None
	}
}
