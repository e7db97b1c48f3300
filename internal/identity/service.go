// Package identity implements customer signup, login with optional second factor and
// password reset on top of the one-time code manager.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"harborbank.org/internal/auth"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/obs"
	"harborbank.org/internal/otp"
)

const DefaultTokenTTL = time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotVerified   = errors.New("email address is not verified")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrNotStaff           = errors.New("existing user does not hold a staff role")
)

// Codes is the part of the OTP manager identity flows use.
type Codes interface {
	Issue(ctx context.Context, req otp.IssueRequest) (otp.Issued, error)
	Verify(ctx context.Context, req otp.VerifyRequest) error
	IsVerified(ctx context.Context, userID, identifier string, purpose otp.Purpose, reference string) (bool, error)
}

type Service struct {
	users    bank.UserStore
	codes    Codes
	tokenTTL time.Duration
}

func NewService(users bank.UserStore, codes Codes, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Service{users: users, codes: codes, tokenTTL: tokenTTL}
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

// LoginResult carries either a token or, when the user has two-factor enabled, the
// challenge to complete with CompleteLogin.
type LoginResult struct {
	Token             *Token `json:"token,omitempty"`
	TwoFactorRequired bool   `json:"two_factor_required"`
	UserID            string `json:"user_id"`
	ExpiresIn         int    `json:"expires_in,omitempty"`
}

// Signup registers a customer and sends the account opening code to their email.
func (s *Service) Signup(ctx context.Context, email, password string) (bank.User, error) {
	email = bank.NormalizeEmail(email)
	if !validEmail(email) {
		return bank.User{}, ErrInvalidEmail
	}
	if err := auth.ValidatePassword(password); err != nil {
		return bank.User{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return bank.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := bank.User{Email: email, PasswordHash: hash, Role: bank.RoleUser}
	if err := s.users.CreateUser(ctx, &u); err != nil {
		return bank.User{}, err
	}
	if _, err := s.codes.Issue(ctx, otp.IssueRequest{UserID: u.ID, Identifier: u.Email, Purpose: otp.PurposeAccountOpening}); err != nil {
		// the user can request a new code later
		obs.Logger().Warn("signup code not issued", zap.String("user_id", u.ID), zap.Error(err))
	}
	return u, nil
}

// EnsureStaff makes sure a verified staff user exists for email, creating it with the
// given role and password when missing. An existing non-staff user is never promoted.
func (s *Service) EnsureStaff(ctx context.Context, email, password string, role bank.Role) (bank.User, bool, error) {
	if !role.IsStaff() {
		return bank.User{}, false, fmt.Errorf("%w: %s", ErrNotStaff, role)
	}
	email = bank.NormalizeEmail(email)
	existing, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if !existing.Role.IsStaff() {
			return bank.User{}, false, ErrNotStaff
		}
		return existing, false, nil
	case !errors.Is(err, bank.ErrNotFound):
		return bank.User{}, false, err
	}
	if !validEmail(email) {
		return bank.User{}, false, ErrInvalidEmail
	}
	if err := auth.ValidatePassword(password); err != nil {
		return bank.User{}, false, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return bank.User{}, false, fmt.Errorf("hash password: %w", err)
	}
	u := bank.User{Email: email, PasswordHash: hash, Role: role, EmailVerified: true}
	if err := s.users.CreateUser(ctx, &u); err != nil {
		return bank.User{}, false, err
	}
	obs.Logger().Info("staff user created", zap.String("user_id", u.ID), zap.String("role", string(role)))
	return u, true, nil
}

// ResendConfirmation issues a fresh account opening code.
func (s *Service) ResendConfirmation(ctx context.Context, userID string) (otp.Issued, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return otp.Issued{}, err
	}
	return s.codes.Issue(ctx, otp.IssueRequest{UserID: u.ID, Identifier: u.Email, Purpose: otp.PurposeAccountOpening})
}

// ConfirmEmail checks the account opening code and marks the address verified. A retry
// after the code was accepted but the user row was not updated still succeeds while the
// verified code is unexpired.
func (s *Service) ConfirmEmail(ctx context.Context, userID, code string) error {
	err := s.codes.Verify(ctx, otp.VerifyRequest{UserID: userID, Purpose: otp.PurposeAccountOpening, Code: code})
	if errors.Is(err, otp.ErrInvalidOrExpiredCode) {
		u, uerr := s.users.GetUser(ctx, userID)
		if uerr != nil || u.EmailVerified {
			return err
		}
		done, verr := s.codes.IsVerified(ctx, userID, "", otp.PurposeAccountOpening, "")
		if verr != nil {
			return verr
		}
		if !done {
			return err
		}
	} else if err != nil {
		return err
	}
	return s.users.MarkEmailVerified(ctx, userID)
}

// Login checks the password. Users with two-factor enabled get a challenge instead of
// a token and a 2FA code is sent to their email.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, bank.ErrNotFound) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !u.EmailVerified {
		return LoginResult{}, ErrEmailNotVerified
	}
	if u.TwoFactorEnabled {
		issued, err := s.codes.Issue(ctx, otp.IssueRequest{UserID: u.ID, Identifier: u.Email, Purpose: otp.PurposeTwoFactor})
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{TwoFactorRequired: true, UserID: u.ID, ExpiresIn: int(issued.ExpiresIn.Seconds())}, nil
	}
	tok, err := s.token(u)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: &tok, UserID: u.ID}, nil
}

// CompleteLogin finishes a two-factor challenge.
func (s *Service) CompleteLogin(ctx context.Context, userID, code string) (Token, error) {
	u, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, bank.ErrNotFound) {
		return Token{}, otp.ErrInvalidOrExpiredCode
	}
	if err != nil {
		return Token{}, err
	}
	if err := s.codes.Verify(ctx, otp.VerifyRequest{UserID: u.ID, Purpose: otp.PurposeTwoFactor, Code: code}); err != nil {
		return Token{}, err
	}
	return s.token(u)
}

func (s *Service) SetTwoFactor(ctx context.Context, userID string, enabled bool) error {
	return s.users.SetTwoFactor(ctx, userID, enabled)
}

// ForgotPassword sends a reset token. Unknown addresses succeed silently so the
// endpoint cannot be used to discover accounts.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, bank.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.codes.Issue(ctx, otp.IssueRequest{Identifier: u.Email, Purpose: otp.PurposePasswordReset, TTL: 30 * time.Minute})
	return err
}

// ResetPassword consumes a reset token and replaces the password hash.
func (s *Service) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	email = bank.NormalizeEmail(email)
	if err := s.codes.Verify(ctx, otp.VerifyRequest{Identifier: email, Purpose: otp.PurposePasswordReset, Code: token}); err != nil {
		return err
	}
	u, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.users.UpdatePassword(ctx, u.ID, hash)
}

func (s *Service) token(u bank.User) (Token, error) {
	signed, exp, err := auth.GenerateToken(u.ID, u.Email, []string{strings.ToLower(string(u.Role))}, s.tokenTTL)
	if err != nil {
		return Token{}, fmt.Errorf("issue token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: exp, UserID: u.ID}, nil
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t") && strings.Count(email, "@") == 1
}
