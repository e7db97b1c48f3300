package identity_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"harborbank.org/internal/auth"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/identity"
	"harborbank.org/internal/otp"
	"harborbank.org/internal/store/memory"
)

// inbox captures the codes a real manager would send by email.
type inbox struct {
	mu   sync.Mutex
	last map[otp.Purpose]string
	*otp.Manager
}

func (b *inbox) Issue(ctx context.Context, req otp.IssueRequest) (otp.Issued, error) {
	issued, err := b.Manager.Issue(ctx, req)
	if err == nil {
		b.mu.Lock()
		b.last[req.Purpose] = issued.Code
		b.mu.Unlock()
	}
	return issued, err
}

func (b *inbox) code(p otp.Purpose) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last[p]
}

func setup(t *testing.T) (*identity.Service, *memory.Store, *inbox) {
	t.Helper()
	auth.SetSecret("identity-test-secret")
	t.Cleanup(auth.ResetSecretForTests)
	store := memory.New()
	box := &inbox{last: map[otp.Purpose]string{}, Manager: otp.NewManager(store)}
	return identity.NewService(store, box, 0), store, box
}

func TestSignupConfirmLogin(t *testing.T) {
	svc, store, box := setup(t)
	ctx := context.Background()

	u, err := svc.Signup(ctx, "New.User@Example.com", "s3cretpass")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if u.Email != "new.user@example.com" || u.Role != bank.RoleUser {
		t.Fatalf("unexpected user: %+v", u)
	}

	if _, err := svc.Login(ctx, u.Email, "s3cretpass"); !errors.Is(err, identity.ErrEmailNotVerified) {
		t.Fatalf("login before confirmation: %v", err)
	}
	if err := svc.ConfirmEmail(ctx, u.ID, "000000x"); !errors.Is(err, otp.ErrInvalidOrExpiredCode) {
		t.Fatalf("bad confirmation code: %v", err)
	}
	if err := svc.ConfirmEmail(ctx, u.ID, box.code(otp.PurposeAccountOpening)); err != nil {
		t.Fatalf("ConfirmEmail: %v", err)
	}
	if got, _ := store.GetUser(ctx, u.ID); !got.EmailVerified {
		t.Fatal("email not marked verified")
	}

	res, err := svc.Login(ctx, "NEW.USER@example.com", "s3cretpass")
	if err != nil || res.Token == nil || res.TwoFactorRequired {
		t.Fatalf("Login: %+v %v", res, err)
	}
	claims, err := auth.ParseAndValidate(res.Token.AccessToken)
	if err != nil || claims.Subject != u.ID || claims.Roles[0] != "user" {
		t.Fatalf("token claims: %+v %v", claims, err)
	}

	if _, err := svc.Login(ctx, u.Email, "wrongpass1"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "s3cretpass"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestSignupValidation(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	if _, err := svc.Signup(ctx, "not-an-email", "s3cretpass"); !errors.Is(err, identity.ErrInvalidEmail) {
		t.Fatalf("err = %v", err)
	}
	if _, err := svc.Signup(ctx, "a@example.com", "short"); !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("err = %v", err)
	}
	if _, err := svc.Signup(ctx, "a@example.com", "s3cretpass"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Signup(ctx, "A@example.com", "s3cretpass"); !errors.Is(err, bank.ErrAlreadyExists) {
		t.Fatalf("duplicate signup: %v", err)
	}
}

func verifiedUser(t *testing.T, svc *identity.Service, box *inbox) bank.User {
	t.Helper()
	ctx := context.Background()
	u, err := svc.Signup(ctx, "two@example.com", "s3cretpass")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ConfirmEmail(ctx, u.ID, box.code(otp.PurposeAccountOpening)); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestTwoFactorLogin(t *testing.T) {
	svc, _, box := setup(t)
	ctx := context.Background()
	u := verifiedUser(t, svc, box)
	if err := svc.SetTwoFactor(ctx, u.ID, true); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Login(ctx, u.Email, "s3cretpass")
	if err != nil || !res.TwoFactorRequired || res.Token != nil || res.UserID != u.ID {
		t.Fatalf("Login: %+v %v", res, err)
	}
	if _, err := svc.CompleteLogin(ctx, u.ID, "nope"); !errors.Is(err, otp.ErrInvalidOrExpiredCode) {
		t.Fatalf("bad 2fa code: %v", err)
	}
	tok, err := svc.CompleteLogin(ctx, u.ID, box.code(otp.PurposeTwoFactor))
	if err != nil || tok.AccessToken == "" || tok.TokenType != "Bearer" {
		t.Fatalf("CompleteLogin: %+v %v", tok, err)
	}
	if _, err := svc.CompleteLogin(ctx, u.ID, box.code(otp.PurposeTwoFactor)); !errors.Is(err, otp.ErrInvalidOrExpiredCode) {
		t.Fatalf("2fa code reused: %v", err)
	}
}

func TestPasswordReset(t *testing.T) {
	svc, _, box := setup(t)
	ctx := context.Background()
	u := verifiedUser(t, svc, box)

	if err := svc.ForgotPassword(ctx, "ghost@example.com"); err != nil {
		t.Fatalf("unknown email must succeed silently: %v", err)
	}
	if box.code(otp.PurposePasswordReset) != "" {
		t.Fatal("token issued for unknown email")
	}

	if err := svc.ForgotPassword(ctx, u.Email); err != nil {
		t.Fatal(err)
	}
	token := box.code(otp.PurposePasswordReset)
	if len(token) != 32 {
		t.Fatalf("token = %q", token)
	}
	if err := svc.ResetPassword(ctx, u.Email, token, "weak"); !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("weak password: %v", err)
	}
	if err := svc.ResetPassword(ctx, u.Email, token, "n3wpassword"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if err := svc.ResetPassword(ctx, u.Email, token, "an0therpass"); !errors.Is(err, otp.ErrInvalidOrExpiredCode) {
		t.Fatalf("token reused: %v", err)
	}

	if _, err := svc.Login(ctx, u.Email, "s3cretpass"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if res, err := svc.Login(ctx, u.Email, "n3wpassword"); err != nil || res.Token == nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestEnsureStaff(t *testing.T) {
	svc, store, _ := setup(t)
	ctx := context.Background()

	u, created, err := svc.EnsureStaff(ctx, "Ops@Example.com", "0perator", bank.RoleSuperAdmin)
	if err != nil || !created {
		t.Fatalf("EnsureStaff: created=%v err=%v", created, err)
	}
	if u.Role != bank.RoleSuperAdmin || !u.EmailVerified || u.Email != "ops@example.com" {
		t.Fatalf("unexpected staff user: %+v", u)
	}

	again, created, err := svc.EnsureStaff(ctx, "ops@example.com", "ignored1", bank.RoleSuperAdmin)
	if err != nil || created || again.ID != u.ID {
		t.Fatalf("second EnsureStaff: %+v created=%v err=%v", again, created, err)
	}

	res, err := svc.Login(ctx, "ops@example.com", "0perator")
	if err != nil || res.Token == nil {
		t.Fatalf("staff login: %+v %v", res, err)
	}
	claims, err := auth.ParseAndValidate(res.Token.AccessToken)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "super_admin" {
		t.Fatalf("roles = %v", claims.Roles)
	}

	if _, err := svc.Signup(ctx, "plain@example.com", "s3cretpass"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if _, _, err := svc.EnsureStaff(ctx, "plain@example.com", "s3cretpass", bank.RoleAdmin); !errors.Is(err, identity.ErrNotStaff) {
		t.Fatalf("expected ErrNotStaff for customer, got %v", err)
	}
	plain, _ := store.GetUserByEmail(ctx, "plain@example.com")
	if plain.Role != bank.RoleUser {
		t.Fatalf("customer was promoted: %+v", plain)
	}

	if _, _, err := svc.EnsureStaff(ctx, "new@example.com", "s3cretpass", bank.RoleUser); !errors.Is(err, identity.ErrNotStaff) {
		t.Fatalf("expected ErrNotStaff for non-staff role, got %v", err)
	}
}

// stickyUsers fails the first email verification write.
type stickyUsers struct {
	*memory.Store
	failed bool
}

func (s *stickyUsers) MarkEmailVerified(ctx context.Context, id string) error {
	if !s.failed {
		s.failed = true
		return errors.New("write timeout")
	}
	return s.Store.MarkEmailVerified(ctx, id)
}

func TestConfirmEmailRetryAfterAcceptedCode(t *testing.T) {
	auth.SetSecret("identity-test-secret")
	t.Cleanup(auth.ResetSecretForTests)
	store := memory.New()
	box := &inbox{last: map[otp.Purpose]string{}, Manager: otp.NewManager(store)}
	svc := identity.NewService(&stickyUsers{Store: store}, box, 0)
	ctx := context.Background()

	u, err := svc.Signup(ctx, "retry@example.com", "s3cretpass")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	code := box.code(otp.PurposeAccountOpening)

	if err := svc.ConfirmEmail(ctx, u.ID, code); err == nil {
		t.Fatal("expected the first write to fail")
	}
	if err := svc.ConfirmEmail(ctx, u.ID, code); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := store.GetUser(ctx, u.ID)
	if !got.EmailVerified {
		t.Fatal("email not marked verified")
	}

	other, err := svc.Signup(ctx, "fresh@example.com", "s3cretpass")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if err := svc.ConfirmEmail(ctx, other.ID, "0000000"); !errors.Is(err, otp.ErrInvalidOrExpiredCode) {
		t.Fatalf("wrong code err = %v", err)
	}
}
