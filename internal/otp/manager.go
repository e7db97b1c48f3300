package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"harborbank.org/internal/audit"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/ids"
	"harborbank.org/internal/obs"
)

const DefaultTTL = 10 * time.Minute

// Manager issues, expires, rate-limits and verifies one-time codes.
type Manager struct {
	store       Store
	limiter     Limiter
	notifier    Notifier
	audit       *audit.Recorder
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	entropy     io.Reader
}

type Option func(*Manager)

func WithLimiter(l Limiter) Option { return func(m *Manager) { m.limiter = l } }
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }
func WithAudit(r *audit.Recorder) Option { return func(m *Manager) { m.audit = r } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithTTL sets the default lifetime used when a request does not carry one.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		entropy:     rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxAttempts returns the configured attempt bound.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

type IssueRequest struct {
	UserID     string
	Identifier string
	Purpose    Purpose
	Reference  string
	TTL        time.Duration
}

// Issued is the result of an issuance. Code must only travel out of band; callers
// must not treat a successful Issue as proof of delivery.
type Issued struct {
	ID        string
	Code      string
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

// Issue creates a fresh record and hands the code to the notifier. Earlier records in
// the same scope stay valid until they expire, are verified or exhaust their attempts.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		return Issued{}, fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	if _, ok := ParsePurpose(string(req.Purpose)); !ok {
		return Issued{}, fmt.Errorf("%w: unknown purpose %q", ErrInvalidRequest, req.Purpose)
	}
	ttl := req.TTL
	if ttl < 0 {
		return Issued{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidRequest)
	}
	if ttl == 0 {
		ttl = m.ttl
	}

	scope := Scope{Subject: SubjectFor(req.UserID, identifier), Purpose: req.Purpose, Reference: req.Reference}
	if m.limiter != nil {
		wait, err := m.limiter.Allow(ctx, scope.String())
		if err != nil {
			return Issued{}, fmt.Errorf("otp rate limit: %w", err)
		}
		if wait > 0 {
			return Issued{}, &RateLimitError{RetryAfter: wait}
		}
	}

	code, err := generateCode(m.entropy, req.Purpose)
	if err != nil {
		return Issued{}, err
	}
	now := m.now()
	rec := &Record{
		ID:         ids.New(),
		UserID:     strings.TrimSpace(req.UserID),
		Identifier: identifier,
		Purpose:    req.Purpose,
		Reference:  req.Reference,
		Code:       code,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := m.store.CreateOTP(ctx, rec); err != nil {
		return Issued{}, fmt.Errorf("store otp: %w", err)
	}
	obs.OTPIssued(string(req.Purpose))

	if m.notifier != nil {
		subject, body := formatMessage(req.Purpose, code, int(ttl.Minutes()))
		m.notifier.Notify(ctx, identifier, subject, body)
	}
	m.audit.Record(ctx, scope.Subject, audit.ActionOTPIssued, audit.StatusSuccess,
		fmt.Sprintf("otp %s issued for %s", rec.ID, scopeDetails(scope)))

	return Issued{ID: rec.ID, Code: code, ExpiresAt: rec.ExpiresAt, ExpiresIn: ttl}, nil
}

type VerifyRequest struct {
	UserID     string
	Identifier string
	Purpose    Purpose
	Reference  string
	Code       string
}

// Verify matches the newest active record in scope. A miss, for whatever reason, penalises
// every live record in scope and fails with ErrInvalidOrExpiredCode; the submitted code is
// compared last and in constant time.
func (m *Manager) Verify(ctx context.Context, req VerifyRequest) error {
	if strings.TrimSpace(req.UserID) == "" && strings.TrimSpace(req.Identifier) == "" {
		return fmt.Errorf("%w: user or identifier is required", ErrInvalidRequest)
	}
	if _, ok := ParsePurpose(string(req.Purpose)); !ok {
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidRequest, req.Purpose)
	}
	scope := Scope{Subject: SubjectFor(req.UserID, req.Identifier), Purpose: req.Purpose, Reference: req.Reference}
	now := m.now()

	rec, err := m.store.FindActiveOTP(ctx, scope, now, m.maxAttempts)
	if err != nil && !errors.Is(err, bank.ErrNotFound) {
		return fmt.Errorf("find otp: %w", err)
	}
	matched := err == nil && subtle.ConstantTimeCompare([]byte(rec.Code), []byte(strings.TrimSpace(req.Code))) == 1

	if !matched {
		if _, err := m.store.PenalizeOTPs(ctx, scope, now); err != nil {
			return fmt.Errorf("penalize otp: %w", err)
		}
		m.fail(ctx, scope, "code mismatch or no active code")
		return ErrInvalidOrExpiredCode
	}

	ok, err := m.store.MarkOTPVerified(ctx, rec.ID, now, m.maxAttempts)
	if err != nil {
		return fmt.Errorf("mark otp verified: %w", err)
	}
	if !ok {
		m.fail(ctx, scope, "code consumed concurrently")
		return ErrInvalidOrExpiredCode
	}

	obs.OTPVerification(string(scope.Purpose), true)
	m.audit.Record(ctx, scope.Subject, audit.ActionOTPVerify, audit.StatusSuccess,
		fmt.Sprintf("otp %s verified for %s", rec.ID, scopeDetails(scope)))
	return nil
}

// IsVerified reports, without mutating anything, whether the scope holds a verified and
// still unexpired record.
func (m *Manager) IsVerified(ctx context.Context, userID, identifier string, purpose Purpose, reference string) (bool, error) {
	scope := Scope{Subject: SubjectFor(userID, identifier), Purpose: purpose, Reference: reference}
	ok, err := m.store.HasVerifiedOTP(ctx, scope, m.now())
	if err != nil {
		return false, fmt.Errorf("check otp: %w", err)
	}
	return ok, nil
}

func (m *Manager) fail(ctx context.Context, scope Scope, reason string) {
	obs.OTPVerification(string(scope.Purpose), false)
	obs.Logger().Info("otp verification failed",
		zap.String("subject", scope.Subject),
		zap.String("purpose", string(scope.Purpose)),
		zap.String("reference", scope.Reference),
	)
	m.audit.Record(ctx, scope.Subject, audit.ActionOTPVerify, audit.StatusFailure,
		fmt.Sprintf("%s: %s", scopeDetails(scope), reason))
}

func scopeDetails(s Scope) string {
	if s.Reference == "" {
		return "purpose=" + string(s.Purpose)
	}
	return "purpose=" + string(s.Purpose) + " reference=" + s.Reference
}
