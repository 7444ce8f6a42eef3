package utils

import (
	"errors"
	"strings"
	"unicode"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

var ErrInvalidNumber = errors.New("invalid phone number")

func ExtractCallerPhone(headers []sip.Header) string {
	for _, header := range headers {
		if header.Name() == "From" {
			from := header.Value()
			if _, after, ok := strings.Cut(from, "<sip:"); ok {
				parts := strings.Split(strings.TrimSuffix(after, ">"), "@")
				return parts[0]
			}
		}
	}
	return "unknown"
}

func GenerateCallID() string {
	return uuid.NewString()
}

// NormalizeNumber strips formatting from a dialable number. A leading plus
// is dropped since the telephony API expects bare digits with country code.
func NormalizeNumber(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "+")
	var b strings.Builder
	for _, r := range raw {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidNumber
		}
	}
	n := b.String()
	if len(n) < 7 || len(n) > 15 {
		return "", ErrInvalidNumber
	}
	return n, nil
}

// MaskNumber keeps the last four digits for logs.
func MaskNumber(number string) string {
	if len(number) <= 4 {
		return strings.Repeat("*", len(number))
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}
