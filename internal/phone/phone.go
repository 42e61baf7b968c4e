// Package phone normalizes chat recipients to the digits-only E.164 form the
// WhatsApp gateway expects.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

var ErrInvalidNumber = errors.New("phone: invalid number")

// Normalize parses raw as an international number (leading "+", "00" or bare
// country-code digits) or, failing that, as a national number in
// defaultRegion, and returns it as E.164 without the "+".
func Normalize(raw, defaultRegion string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "@c.us")
	if s == "" {
		return "", ErrInvalidNumber
	}

	var candidates []string
	switch {
	case strings.HasPrefix(s, "+"):
		candidates = []string{s}
	case strings.HasPrefix(s, "00"):
		candidates = []string{"+" + s[2:]}
	default:
		candidates = []string{s, "+" + s}
	}

	for _, c := range candidates {
		region := defaultRegion
		if strings.HasPrefix(c, "+") {
			region = ""
		}
		num, err := libphonenumber.Parse(c, region)
		if err != nil || !libphonenumber.IsValidNumber(num) {
			continue
		}
		return strings.TrimPrefix(libphonenumber.Format(num, libphonenumber.E164), "+"), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
}
