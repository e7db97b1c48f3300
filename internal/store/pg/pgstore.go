package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"harborbank.org/internal/audit"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/ids"
	"harborbank.org/internal/otp"
	"harborbank.org/internal/transfer"
)

const pgErrUniqueViolation = "23505"

var (
	_ bank.UserStore    = (*Store)(nil)
	_ bank.AccountStore = (*Store)(nil)
	_ otp.Store         = (*Store)(nil)
	_ transfer.Store    = (*Store)(nil)
	_ audit.Sink        = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return bank.ErrNotFound
	}
	return err
}

// --- users ---

const userColumns = `id, email, password_hash, role, two_factor_enabled, email_verified, created_at, updated_at`

func scanUser(row rowScanner) (bank.User, error) {
	var u bank.User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.TwoFactorEnabled, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return bank.User{}, notFound(err)
	}
	u.Role = bank.Role(role)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *bank.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = bank.NormalizeEmail(u.Email)
	if u.Role == "" {
		u.Role = bank.RoleUser
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, role, two_factor_enabled, email_verified)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, string(u.Role), u.TwoFactorEnabled, u.EmailVerified).Scan(&u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return bank.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (bank.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (bank.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, bank.NormalizeEmail(email)))
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.execOne(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, id, passwordHash)
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	return s.execOne(ctx, `update users set email_verified = true, updated_at = now() where id = $1`, id)
}

func (s *Store) SetTwoFactor(ctx context.Context, id string, enabled bool) error {
	return s.execOne(ctx, `update users set two_factor_enabled = $2, updated_at = now() where id = $1`, id, enabled)
}

// execOne runs an update that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return bank.ErrNotFound
	}
	return nil
}

// --- accounts ---

const accountColumns = `id, owner_id, account_number, account_type, currency, balance, status, created_at, updated_at`

func scanAccount(row rowScanner) (bank.Account, error) {
	var a bank.Account
	var typ, status string
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Number, &typ, &a.Currency, &a.Balance, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return bank.Account{}, notFound(err)
	}
	a.Type = bank.AccountType(typ)
	a.Status = bank.AccountStatus(status)
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a *bank.Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into accounts (id, owner_id, account_number, account_type, currency, balance, status)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, a.ID, a.OwnerID, a.Number, string(a.Type), a.Currency, a.Balance, string(a.Status)).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return bank.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (bank.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
}

func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]bank.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select `+accountColumns+` from accounts where owner_id = $1 order by id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []bank.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status bank.AccountStatus) error {
	return s.execOne(ctx, `update accounts set status = $2, updated_at = now() where id = $1`, id, string(status))
}

// --- audit ---

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries (id, actor_id, action, details, status, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.ActorID, e.Action, e.Details, string(e.Status), e.RequestID, e.CreatedAt)
	return err
}
