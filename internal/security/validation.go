package security

import (
	"regexp"
	"strings"
	"unicode"

	apperrors "mt5-trader/internal/errors"
)

var (
	// Broker symbols: letters and digits with the suffix characters
	// servers commonly append (EURUSD.m, US30.cash, XAUUSD#).
	symbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._#+-]{0,31}$`)

	// Idempotency keys: UUIDs or similar opaque tokens.
	idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)
)

// ValidateSymbol checks a symbol taken from a request.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return apperrors.NewValidationError("symbol", symbol, "symbol is required")
	}
	if !symbolPattern.MatchString(symbol) {
		return apperrors.NewValidationError("symbol", symbol, "symbol contains invalid characters")
	}
	return nil
}

// ValidateIdempotencyKey checks an Idempotency-Key header value.
func ValidateIdempotencyKey(key string) error {
	if !idempotencyKeyPattern.MatchString(key) {
		return apperrors.NewValidationError("Idempotency-Key", key, "key must be 1-128 characters of [A-Za-z0-9_.:-]")
	}
	return nil
}

// SanitizeSymbol trims and upper-cases a symbol, dropping characters a
// broker symbol cannot contain. Suffixes after a dot keep their case.
func SanitizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	base, suffix, hasSuffix := strings.Cut(symbol, ".")

	var result strings.Builder
	for _, r := range strings.ToUpper(base) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '#' || r == '+' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if hasSuffix {
		result.WriteByte('.')
		result.WriteString(SanitizeText(suffix))
	}
	return result.String()
}

// SanitizeText removes control characters from free-form text.
func SanitizeText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
