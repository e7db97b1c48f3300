// Package otp issues and verifies short-lived one-time codes scoped to a subject,
// a purpose and an optional reference within that purpose.
package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Purpose string

const (
	PurposeAccountOpening Purpose = "ACCOUNT_OPENING"
	PurposeTwoFactor      Purpose = "2FA"
	PurposePasswordReset  Purpose = "PASSWORD_RESET"
	PurposeTransaction    Purpose = "TRANSACTION"
)

// ParsePurpose accepts the canonical names case-insensitively.
func ParsePurpose(s string) (Purpose, bool) {
	switch p := Purpose(strings.ToUpper(strings.TrimSpace(s))); p {
	case PurposeAccountOpening, PurposeTwoFactor, PurposePasswordReset, PurposeTransaction:
		return p, true
	}
	return "", false
}

// DefaultMaxAttempts bounds failed verifications per record.
const DefaultMaxAttempts = 3

// Record is one issued code. Code is never serialised.
type Record struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id,omitempty"`
	Identifier string     `json:"identifier"`
	Purpose    Purpose    `json:"purpose"`
	Reference  string     `json:"reference,omitempty"`
	Code       string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Subject is the key verification is scoped to: the user when known, else the identifier.
func (r Record) Subject() string { return SubjectFor(r.UserID, r.Identifier) }

// Live reports whether the record is unverified and unexpired at now.
func (r Record) Live(now time.Time) bool { return !r.Verified && now.Before(r.ExpiresAt) }

// Active reports whether the record can still be verified.
func (r Record) Active(now time.Time, maxAttempts int) bool {
	return r.Live(now) && r.Attempts < maxAttempts
}

// SubjectFor derives the scope subject from an optional user id and an identifier.
func SubjectFor(userID, identifier string) string {
	if userID = strings.TrimSpace(userID); userID != "" {
		return userID
	}
	return "identifier:" + strings.ToLower(strings.TrimSpace(identifier))
}

// Scope selects the records a verification may match.
type Scope struct {
	Subject   string
	Purpose   Purpose
	Reference string
}

func (s Scope) String() string {
	if s.Reference == "" {
		return fmt.Sprintf("%s:%s", s.Subject, s.Purpose)
	}
	return fmt.Sprintf("%s:%s:%s", s.Subject, s.Purpose, s.Reference)
}

// Store persists OTP records. Implementations must make PenalizeOTPs and MarkOTPVerified
// atomic with respect to concurrent callers.
type Store interface {
	CreateOTP(ctx context.Context, r *Record) error
	// FindActiveOTP returns the most recently created record in scope that is unexpired,
	// unverified and has fewer than maxAttempts attempts, or bank.ErrNotFound.
	FindActiveOTP(ctx context.Context, s Scope, now time.Time, maxAttempts int) (Record, error)
	// PenalizeOTPs increments the attempt counter of every unexpired, unverified record in scope.
	PenalizeOTPs(ctx context.Context, s Scope, now time.Time) (int64, error)
	// MarkOTPVerified flags the record verified if it is still active; false means it was not.
	MarkOTPVerified(ctx context.Context, id string, now time.Time, maxAttempts int) (bool, error)
	// HasVerifiedOTP reports whether a verified, unexpired record exists in scope.
	HasVerifiedOTP(ctx context.Context, s Scope, now time.Time) (bool, error)
}

// Notifier delivers a message out of band. It must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, destination, subject, body string)
}

// Limiter throttles issuance per key. A positive retryAfter means the request is refused.
type Limiter interface {
	Allow(ctx context.Context, key string) (retryAfter time.Duration, err error)
}

var (
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")
	ErrInvalidRequest       = errors.New("invalid otp request")
	ErrRateLimited          = errors.New("too many code requests")
)

// RateLimitError carries the wait time for a throttled issuance.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry in %ds", ErrRateLimited, int(e.RetryAfter.Seconds()+0.5))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
