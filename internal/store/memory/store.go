// Package memory is an in-process implementation of every persistence contract,
// used by tests and by the API when no database DSN is configured.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"harborbank.org/internal/audit"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/ids"
	"harborbank.org/internal/otp"
	"harborbank.org/internal/transfer"
)

var (
	_ bank.UserStore    = (*Store)(nil)
	_ bank.AccountStore = (*Store)(nil)
	_ otp.Store         = (*Store)(nil)
	_ transfer.Store    = (*Store)(nil)
	_ audit.Sink        = (*Store)(nil)
)

// Store keeps all records behind a single RWMutex, which makes every multi-step
// mutation below atomic.
type Store struct {
	mu        sync.RWMutex
	users     map[string]*bank.User
	emails    map[string]string // email -> user id
	accounts  map[string]*bank.Account
	otps      []*otp.Record
	transfers map[string]*transfer.Transfer
	auditLog  []audit.Entry
}

func New() *Store {
	return &Store{
		users:     make(map[string]*bank.User),
		emails:    make(map[string]string),
		accounts:  make(map[string]*bank.Account),
		transfers: make(map[string]*transfer.Transfer),
	}
}

// --- users ---

func (s *Store) CreateUser(_ context.Context, u *bank.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := bank.NormalizeEmail(u.Email)
	if _, ok := s.emails[email]; ok {
		return bank.ErrAlreadyExists
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	u.Email = email
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	s.users[u.ID] = &cp
	s.emails[email] = u.ID
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (bank.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return bank.User{}, bank.ErrNotFound
	}
	return *u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (bank.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[bank.NormalizeEmail(email)]
	if !ok {
		return bank.User{}, bank.ErrNotFound
	}
	return *s.users[id], nil
}

func (s *Store) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return s.updateUser(id, func(u *bank.User) { u.PasswordHash = passwordHash })
}

func (s *Store) MarkEmailVerified(_ context.Context, id string) error {
	return s.updateUser(id, func(u *bank.User) { u.EmailVerified = true })
}

func (s *Store) SetTwoFactor(_ context.Context, id string, enabled bool) error {
	return s.updateUser(id, func(u *bank.User) { u.TwoFactorEnabled = enabled })
}

func (s *Store) updateUser(id string, fn func(u *bank.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return bank.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// --- accounts ---

func (s *Store) CreateAccount(_ context.Context, a *bank.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New()
	}
	for _, existing := range s.accounts {
		if existing.Number == a.Number {
			return bank.ErrAlreadyExists
		}
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (bank.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return bank.Account{}, bank.ErrNotFound
	}
	return *a, nil
}

func (s *Store) ListAccounts(_ context.Context, ownerID string) ([]bank.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []bank.Account
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			res = append(res, *a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *Store) SetAccountStatus(_ context.Context, id string, status bank.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return bank.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// --- otp records ---

func (s *Store) CreateOTP(_ context.Context, r *otp.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.otps = append(s.otps, &cp)
	return nil
}

func inScope(r *otp.Record, sc otp.Scope) bool {
	return r.Subject() == sc.Subject && r.Purpose == sc.Purpose && r.Reference == sc.Reference
}

func (s *Store) FindActiveOTP(_ context.Context, sc otp.Scope, now time.Time, maxAttempts int) (otp.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// records are appended in creation order; newest wins
	for i := len(s.otps) - 1; i >= 0; i-- {
		r := s.otps[i]
		if inScope(r, sc) && r.Active(now, maxAttempts) {
			return *r, nil
		}
	}
	return otp.Record{}, bank.ErrNotFound
}

func (s *Store) PenalizeOTPs(_ context.Context, sc otp.Scope, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.otps {
		if inScope(r, sc) && r.Live(now) {
			r.Attempts++
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkOTPVerified(_ context.Context, id string, now time.Time, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.otps {
		if r.ID != id {
			continue
		}
		if !r.Active(now, maxAttempts) {
			return false, nil
		}
		at := now
		r.Verified = true
		r.VerifiedAt = &at
		return true, nil
	}
	return false, nil
}

func (s *Store) HasVerifiedOTP(_ context.Context, sc otp.Scope, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.otps {
		if inScope(r, sc) && r.Verified && now.Before(r.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}

// OTPs returns a copy of every record in scope, oldest first. Test helper.
func (s *Store) OTPs(sc otp.Scope) []otp.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []otp.Record
	for _, r := range s.otps {
		if inScope(r, sc) {
			res = append(res, *r)
		}
	}
	return res
}

// --- transfers ---

func cloneTransfer(t *transfer.Transfer) transfer.Transfer {
	out := *t
	out.Levels = slices.Clone(t.Levels)
	return out
}

func (s *Store) CreateTransfer(_ context.Context, t *transfer.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transfers {
		if existing.OwnerID == t.OwnerID && existing.Status.Open() {
			return transfer.ErrPendingTransferExists
		}
	}
	cp := cloneTransfer(t)
	s.transfers[t.ID] = &cp
	return nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (transfer.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return transfer.Transfer{}, bank.ErrNotFound
	}
	return cloneTransfer(t), nil
}

func (s *Store) FindOpenTransfer(_ context.Context, ownerID string) (transfer.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transfers {
		if t.OwnerID == ownerID && t.Status.Open() {
			return cloneTransfer(t), nil
		}
	}
	return transfer.Transfer{}, bank.ErrNotFound
}

func (s *Store) ListTransfers(_ context.Context, ownerID string, limit int) ([]transfer.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []transfer.Transfer
	for _, t := range s.transfers {
		if t.OwnerID == ownerID {
			res = append(res, cloneTransfer(t))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *Store) CompleteLevel(_ context.Context, id string, level int, now time.Time) (transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return transfer.Transfer{}, bank.ErrNotFound
	}
	if t.Status != transfer.StatusPending {
		return transfer.Transfer{}, transfer.ErrTransferNotPending
	}
	if level < 1 || level > len(t.Levels) {
		return transfer.Transfer{}, transfer.ErrInvalidLevel
	}
	t.Levels[level-1] = true
	if t.AllLevelsComplete() {
		t.Status = transfer.StatusProcessing
	}
	t.UpdatedAt = now
	return cloneTransfer(t), nil
}

func (s *Store) UpdateTransferStatus(_ context.Context, id string, from []transfer.Status, to transfer.Status, reason string, now time.Time) (transfer.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return transfer.Transfer{}, bank.ErrNotFound
	}
	if !slices.Contains(from, t.Status) {
		return transfer.Transfer{}, transfer.ErrTransferNotPending
	}
	t.Status = to
	t.FailureReason = reason
	t.UpdatedAt = now
	return cloneTransfer(t), nil
}

func (s *Store) SettleTransfer(_ context.Context, id string, settle transfer.SettleFunc, now time.Time) (transfer.Transfer, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return transfer.Transfer{}, decimal.Decimal{}, bank.ErrNotFound
	}
	acct, ok := s.accounts[t.AccountID]
	if !ok {
		return transfer.Transfer{}, decimal.Decimal{}, bank.ErrNotFound
	}
	newBalance, err := settle(cloneTransfer(t), *acct)
	if err != nil {
		return transfer.Transfer{}, decimal.Decimal{}, err
	}
	acct.Balance = newBalance
	acct.UpdatedAt = now
	t.Status = transfer.StatusCompleted
	t.UpdatedAt = now
	return cloneTransfer(t), newBalance, nil
}

// --- audit ---

func (s *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, *e)
	return nil
}

// AuditEntries returns a copy of the audit log. Test helper.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.auditLog)
}
