package pg

import (
	"context"
	"database/sql"
	"time"

	"harborbank.org/internal/otp"
)

const otpColumns = `id, user_id, identifier, purpose, reference, code, expires_at, verified, verified_at, attempts, created_at`

func (s *Store) CreateOTP(ctx context.Context, r *otp.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into otp_records (id, user_id, identifier, subject, purpose, reference, code, expires_at, attempts, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.UserID, r.Identifier, r.Subject(), string(r.Purpose), r.Reference, r.Code, r.ExpiresAt, r.Attempts, r.CreatedAt)
	return err
}

// FindActiveOTP returns the newest record in scope that can still be verified.
func (s *Store) FindActiveOTP(ctx context.Context, sc otp.Scope, now time.Time, maxAttempts int) (otp.Record, error) {
	var (
		r          otp.Record
		purpose    string
		verifiedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select `+otpColumns+`
		from otp_records
		where subject = $1 and purpose = $2 and reference = $3
		  and not verified and expires_at > $4 and attempts < $5
		order by created_at desc, id desc
		limit 1
	`, sc.Subject, string(sc.Purpose), sc.Reference, now, maxAttempts).Scan(
		&r.ID, &r.UserID, &r.Identifier, &purpose, &r.Reference, &r.Code,
		&r.ExpiresAt, &r.Verified, &verifiedAt, &r.Attempts, &r.CreatedAt,
	)
	if err != nil {
		return otp.Record{}, notFound(err)
	}
	r.Purpose = otp.Purpose(purpose)
	if verifiedAt.Valid {
		at := verifiedAt.Time
		r.VerifiedAt = &at
	}
	return r, nil
}

// PenalizeOTPs counts a failed guess against every unverified, unexpired record in scope.
func (s *Store) PenalizeOTPs(ctx context.Context, sc otp.Scope, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update otp_records set attempts = attempts + 1
		where subject = $1 and purpose = $2 and reference = $3
		  and not verified and expires_at > $4
	`, sc.Subject, string(sc.Purpose), sc.Reference, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkOTPVerified flips the record to verified only if it is still active, so two
// concurrent verifications of one code cannot both succeed.
func (s *Store) MarkOTPVerified(ctx context.Context, id string, now time.Time, maxAttempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update otp_records set verified = true, verified_at = $2
		where id = $1 and not verified and expires_at > $2 and attempts < $3
	`, id, now, maxAttempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) HasVerifiedOTP(ctx context.Context, sc otp.Scope, now time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from otp_records
			where subject = $1 and purpose = $2 and reference = $3
			  and verified and expires_at > $4
		)
	`, sc.Subject, string(sc.Purpose), sc.Reference, now).Scan(&ok)
	return ok, err
}
