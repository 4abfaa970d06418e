package chat

import (
	"errors"
	"strings"
)

// DefaultCountryCode is the Sri Lankan dialing code. The normalizer is
// hardcoded to one national numbering plan (trunk prefix "0" + 9 subscriber
// digits); callers needing another region must pass the code explicitly.
const DefaultCountryCode = "94"

// addressSuffix is appended to a canonical number to form a chat address.
const addressSuffix = "@c.us"

// ErrInvalidPhone is returned when a number cannot be normalized to the
// national format.
var ErrInvalidPhone = errors.New("invalid phone number format")

// NormalizePhone converts a loosely formatted local number into a canonical
// chat address using the default country code.
func NormalizePhone(raw string) (string, error) {
	return NormalizePhoneWithCode(raw, DefaultCountryCode)
}

// NormalizePhoneWithCode normalizes raw against the given country code.
// It strips all non-digit characters, replaces a leading trunk "0" with the
// country code, removes an accidental doubled country code, prepends the
// code when missing, and validates the final <code><9 digits> form.
func NormalizePhoneWithCode(raw, countryCode string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	if strings.HasPrefix(digits, "0") {
		digits = countryCode + digits[1:]
	}
	if strings.HasPrefix(digits, countryCode+countryCode) {
		digits = digits[len(countryCode):]
	}
	if !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}

	subscriber := digits[len(countryCode):]
	if len(subscriber) != 9 || !allDigits(subscriber) {
		return "", ErrInvalidPhone
	}

	return digits + addressSuffix, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
