package otp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	numericDigits = 6
	tokenBytes    = 16
)

// generateCode draws a fresh code for the purpose: a hex token for password resets,
// a fixed-width numeric code otherwise.
func generateCode(src io.Reader, purpose Purpose) (string, error) {
	if purpose == PurposePasswordReset {
		b := make([]byte, tokenBytes)
		if _, err := io.ReadFull(src, b); err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		return hex.EncodeToString(b), nil
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(numericDigits), nil)
	n, err := rand.Int(src, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", numericDigits, n.Int64()), nil
}

// purposeTitle renders a purpose for humans, e.g. PASSWORD_RESET -> "Password Reset".
func purposeTitle(p Purpose) string {
	if p == PurposeTwoFactor {
		return "Sign-In Verification"
	}
	s := strings.ToLower(strings.ReplaceAll(string(p), "_", " "))
	return cases.Title(language.English).String(s)
}

func formatMessage(p Purpose, code string, ttlMinutes int) (subject, body string) {
	title := purposeTitle(p)
	subject = fmt.Sprintf("Your %s code", title)
	if ttlMinutes < 1 {
		ttlMinutes = 1
	}
	body = fmt.Sprintf("Your %s code is %s. It is valid for %d minutes. Never share it with anyone.", title, code, ttlMinutes)
	return subject, body
}
