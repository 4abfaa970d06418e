package idcode

import (
	"fmt"
	"strconv"
	"strings"
)

// Student record ids are 24 hexadecimal characters. A QR card carries the id
// as 8 groups of decimal digits so it can be keyed in manually when a scan
// fails: each group encodes 3 hex characters (max 0xfff = 4095), zero-padded
// to 4 digits.

const (
	idHexLen   = 24
	chunkLen   = 3
	groupCount = idHexLen / chunkLen
)

// Encode converts a 24-character hex record id into its numeric card code,
// e.g. "0111 0105 0222 0486 ...".
func Encode(id string) (string, error) {
	clean := strings.Map(func(r rune) rune {
		if isHex(r) {
			return r
		}
		return -1
	}, id)
	if len(clean) != idHexLen {
		return "", fmt.Errorf("record id must be %d hex characters, got %d", idHexLen, len(clean))
	}

	groups := make([]string, 0, groupCount)
	for i := 0; i < len(clean); i += chunkLen {
		n, err := strconv.ParseUint(clean[i:i+chunkLen], 16, 16)
		if err != nil {
			return "", fmt.Errorf("invalid hex chunk %q: %w", clean[i:i+chunkLen], err)
		}
		groups = append(groups, fmt.Sprintf("%04d", n))
	}
	return strings.Join(groups, " "), nil
}

// Decode converts a numeric card code back into the original record id.
// The code must contain exactly 8 whitespace-separated decimal groups.
func Decode(code string) (string, error) {
	groups := strings.Fields(strings.TrimSpace(code))
	if len(groups) != groupCount {
		return "", fmt.Errorf("invalid numeric code: expected %d groups, got %d", groupCount, len(groups))
	}

	var b strings.Builder
	for _, g := range groups {
		n, err := strconv.ParseUint(g, 10, 16)
		if err != nil {
			return "", fmt.Errorf("invalid group %q in numeric code: %w", g, err)
		}
		if n > 0xfff {
			return "", fmt.Errorf("group %q out of range for a %d-character hex chunk", g, chunkLen)
		}
		fmt.Fprintf(&b, "%03x", n)
	}

	id := b.String()
	if len(id) != idHexLen {
		return "", fmt.Errorf("decoded id has invalid length %d", len(id))
	}
	return id, nil
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
