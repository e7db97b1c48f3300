package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"harborbank.org/internal/audit"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/ids"
	"harborbank.org/internal/obs"
	"harborbank.org/internal/otp"
)

const (
	DefaultLevels       = 4
	DefaultLevelCodeTTL = 5 * time.Minute
	// MaxLevels is bounded by the level bitmask persisted per transfer.
	MaxLevels = 62

	reasonExpired = "expired"
)

// Codes is the subset of the OTP manager the machine uses for level codes.
type Codes interface {
	Issue(ctx context.Context, req otp.IssueRequest) (otp.Issued, error)
	Verify(ctx context.Context, req otp.VerifyRequest) error
}

// Event describes a lifecycle change, published after it is durable.
type Event struct {
	Kind       string          `json:"kind"`
	TransferID string          `json:"transfer_id"`
	OwnerID    string          `json:"-"`
	Status     Status          `json:"status"`
	Level      int             `json:"level,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	At         time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ev Event)
}

type Config struct {
	// Levels is the number of security levels every transfer must pass.
	Levels int
	// LevelCodeTTL is the lifetime of each per-level code.
	LevelCodeTTL time.Duration
	// PendingTTL fails open transfers older than this; zero disables expiry.
	PendingTTL time.Duration
}

// Machine sequences security-level verification for transfers and settles them.
type Machine struct {
	store    Store
	accounts bank.AccountStore
	users    bank.UserStore
	codes    Codes
	audit    *audit.Recorder
	events   Publisher
	cfg      Config
	now      func() time.Time
}

type Option func(*Machine)

func WithAudit(r *audit.Recorder) Option { return func(m *Machine) { m.audit = r } }
func WithPublisher(p Publisher) Option { return func(m *Machine) { m.events = p } }
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func NewMachine(store Store, accounts bank.AccountStore, users bank.UserStore, codes Codes, cfg Config, opts ...Option) *Machine {
	if cfg.Levels <= 0 {
		cfg.Levels = DefaultLevels
	}
	if cfg.LevelCodeTTL <= 0 {
		cfg.LevelCodeTTL = DefaultLevelCodeTTL
	}
	m := &Machine{
		store:    store,
		accounts: accounts,
		users:    users,
		codes:    codes,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Levels returns the configured number of security levels.
func (m *Machine) Levels() int { return m.cfg.Levels }

const levelReferencePrefix = "transfer:"

// LevelReference scopes a level code to one transfer and level.
func LevelReference(transferID string, level int) string {
	return fmt.Sprintf("%s%s:level:%d", levelReferencePrefix, transferID, level)
}

// IsLevelReference reports whether ref belongs to a transfer security level. Such codes
// are only issued and checked by the Machine.
func IsLevelReference(ref string) bool {
	return strings.HasPrefix(strings.TrimSpace(ref), levelReferencePrefix)
}

// Create opens a pending transfer for owner. An owner holds at most one open transfer.
func (m *Machine) Create(ctx context.Context, ownerID string, d Details) (Transfer, error) {
	if err := d.validate(); err != nil {
		m.audit.Record(ctx, ownerID, audit.ActionTransferCreate, audit.StatusFailure, err.Error())
		return Transfer{}, err
	}
	acct, err := m.accounts.GetAccount(ctx, strings.TrimSpace(d.AccountID))
	if errors.Is(err, bank.ErrNotFound) || (err == nil && acct.OwnerID != ownerID) {
		m.audit.Record(ctx, ownerID, audit.ActionTransferCreate, audit.StatusFailure, "unknown source account")
		return Transfer{}, fmt.Errorf("%w: unknown source account", ErrInvalidTransferDetails)
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("load account: %w", err)
	}
	if acct.Status != bank.AccountActive {
		m.audit.Record(ctx, ownerID, audit.ActionTransferCreate, audit.StatusFailure, "source account "+string(acct.Status))
		return Transfer{}, ErrAccountNotActive
	}

	open, err := m.store.FindOpenTransfer(ctx, ownerID)
	switch {
	case err == nil && m.expired(open):
		if _, err := m.expire(ctx, open); err != nil {
			return Transfer{}, err
		}
	case err == nil:
		m.audit.Record(ctx, ownerID, audit.ActionTransferCreate, audit.StatusFailure, "open transfer "+open.ID+" exists")
		return Transfer{}, ErrPendingTransferExists
	case !errors.Is(err, bank.ErrNotFound):
		return Transfer{}, fmt.Errorf("find open transfer: %w", err)
	}

	now := m.now()
	t := Transfer{
		ID:        ids.New(),
		OwnerID:   ownerID,
		AccountID: acct.ID,
		Amount:    d.Amount,
		Currency:  acct.Currency,
		Recipient: Recipient{
			Name:          strings.TrimSpace(d.Recipient.Name),
			AccountNumber: strings.TrimSpace(d.Recipient.AccountNumber),
			BankName:      strings.TrimSpace(d.Recipient.BankName),
			Note:          strings.TrimSpace(d.Recipient.Note),
		},
		Status:    StatusPending,
		Levels:    make([]bool, m.cfg.Levels),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateTransfer(ctx, &t); err != nil {
		if errors.Is(err, ErrPendingTransferExists) {
			m.audit.Record(ctx, ownerID, audit.ActionTransferCreate, audit.StatusFailure, "open transfer exists")
			return Transfer{}, err
		}
		return Transfer{}, fmt.Errorf("store transfer: %w", err)
	}

	m.audit.Record(ctx, ownerID, audit.ActionTransferCreate, audit.StatusSuccess,
		fmt.Sprintf("transfer %s of %s %s from %s", t.ID, t.Amount.StringFixed(2), t.Currency, t.AccountID))
	m.transitioned(t, "created", 0)
	return t, nil
}

// Get returns the owner's transfer, failing it first if it outlived PendingTTL.
func (m *Machine) Get(ctx context.Context, ownerID, id string) (Transfer, error) {
	return m.load(ctx, ownerID, id)
}

// List returns the owner's most recent transfers.
func (m *Machine) List(ctx context.Context, ownerID string, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return m.store.ListTransfers(ctx, ownerID, limit)
}

// AllLevelsComplete reports whether every security level of the transfer is verified.
func (m *Machine) AllLevelsComplete(ctx context.Context, ownerID, id string) (bool, error) {
	t, err := m.load(ctx, ownerID, id)
	if err != nil {
		return false, err
	}
	return t.AllLevelsComplete(), nil
}

// IssueLevelCode sends a fresh one-time code for the next level to the owner.
func (m *Machine) IssueLevelCode(ctx context.Context, ownerID, id string, level int) (otp.Issued, error) {
	t, err := m.loadOpen(ctx, ownerID, id)
	if err != nil {
		return otp.Issued{}, err
	}
	if err := checkLevel(t, level); err != nil {
		return otp.Issued{}, err
	}
	owner, err := m.users.GetUser(ctx, ownerID)
	if err != nil {
		return otp.Issued{}, fmt.Errorf("load owner: %w", err)
	}
	issued, err := m.codes.Issue(ctx, otp.IssueRequest{
		UserID:     ownerID,
		Identifier: owner.Email,
		Purpose:    otp.PurposeTransaction,
		Reference:  LevelReference(t.ID, level),
		TTL:        m.cfg.LevelCodeTTL,
	})
	if err != nil {
		return otp.Issued{}, err
	}
	m.audit.Record(ctx, ownerID, audit.ActionTransferLevelCode, audit.StatusSuccess,
		fmt.Sprintf("transfer %s level %d code %s", t.ID, level, issued.ID))
	return issued, nil
}

// VerifyLevel checks the submitted level code and flags the level on success. A wrong
// code leaves the transfer untouched.
func (m *Machine) VerifyLevel(ctx context.Context, ownerID, id string, level int, code string) (Transfer, error) {
	t, err := m.loadOpen(ctx, ownerID, id)
	if err != nil {
		return Transfer{}, err
	}
	if err := checkLevel(t, level); err != nil {
		return Transfer{}, err
	}

	err = m.codes.Verify(ctx, otp.VerifyRequest{
		UserID:    ownerID,
		Purpose:   otp.PurposeTransaction,
		Reference: LevelReference(t.ID, level),
		Code:      code,
	})
	if errors.Is(err, otp.ErrInvalidOrExpiredCode) {
		m.audit.Record(ctx, ownerID, audit.ActionTransferLevel, audit.StatusFailure,
			fmt.Sprintf("transfer %s level %d code mismatch", t.ID, level))
		return Transfer{}, ErrSecurityCodeMismatch
	}
	if err != nil {
		return Transfer{}, err
	}

	t, err = m.store.CompleteLevel(ctx, t.ID, level, m.now())
	if err != nil {
		return Transfer{}, err
	}
	m.audit.Record(ctx, ownerID, audit.ActionTransferLevel, audit.StatusSuccess,
		fmt.Sprintf("transfer %s level %d verified", t.ID, level))
	m.publish(t, "level_verified", level)
	if t.Status == StatusProcessing {
		m.transitioned(t, "verified", 0)
	}
	return t, nil
}

// Result of a successful completion.
type Result struct {
	Transfer   Transfer        `json:"transfer"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// Complete debits the source account and marks the transfer completed in one atomic unit.
// When observed is set it must equal the stored balance, otherwise completion fails closed.
// Insufficient funds leave the transfer open for the caller to retry or fail.
func (m *Machine) Complete(ctx context.Context, ownerID, id string, observed decimal.NullDecimal) (Result, error) {
	t, err := m.loadOpen(ctx, ownerID, id)
	if err != nil {
		m.audit.Record(ctx, ownerID, audit.ActionTransferComplete, audit.StatusFailure,
			fmt.Sprintf("transfer %s: %v", id, err))
		return Result{}, err
	}

	settled, newBalance, err := m.store.SettleTransfer(ctx, t.ID, func(cur Transfer, acct bank.Account) (decimal.Decimal, error) {
		if cur.OwnerID != ownerID || acct.ID != cur.AccountID {
			return decimal.Decimal{}, bank.ErrNotFound
		}
		if m.expired(cur) {
			return decimal.Decimal{}, ErrTransferExpired
		}
		if acct.Status != bank.AccountActive {
			return decimal.Decimal{}, ErrAccountNotActive
		}
		if observed.Valid && !observed.Decimal.Equal(acct.Balance) {
			return decimal.Decimal{}, ErrBalanceMismatch
		}
		return Evaluate(cur, acct.Balance)
	}, m.now())
	if err != nil {
		m.audit.Record(ctx, ownerID, audit.ActionTransferComplete, audit.StatusFailure,
			fmt.Sprintf("transfer %s: %v", t.ID, err))
		if errors.Is(err, ErrTransferExpired) {
			if _, xerr := m.expire(ctx, t); xerr != nil {
				obs.Logger().Warn("expire transfer failed", zap.String("transfer_id", t.ID), zap.Error(xerr))
			}
		}
		return Result{}, err
	}

	m.audit.Record(ctx, ownerID, audit.ActionTransferComplete, audit.StatusSuccess,
		fmt.Sprintf("transfer %s debited %s %s, balance %s", settled.ID, settled.Amount.StringFixed(2), settled.Currency, newBalance.StringFixed(2)))
	m.transitioned(settled, "completed", 0)
	return Result{Transfer: settled, NewBalance: newBalance}, nil
}

// Cancel lets the owner abandon an open transfer.
func (m *Machine) Cancel(ctx context.Context, ownerID, id, reason string) (Transfer, error) {
	t, err := m.loadOpen(ctx, ownerID, id)
	if err != nil {
		return Transfer{}, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by owner"
	}
	return m.fail(ctx, ownerID, t, reason)
}

// ForceFail fails any open transfer on behalf of staff.
func (m *Machine) ForceFail(ctx context.Context, actorID, id, reason string) (Transfer, error) {
	t, err := m.store.GetTransfer(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "failed by operator"
	}
	return m.fail(ctx, actorID, t, reason)
}

func (m *Machine) fail(ctx context.Context, actorID string, t Transfer, reason string) (Transfer, error) {
	failed, err := m.store.UpdateTransferStatus(ctx, t.ID, OpenStatuses, StatusFailed, reason, m.now())
	if err != nil {
		m.audit.Record(ctx, actorID, audit.ActionTransferFail, audit.StatusFailure,
			fmt.Sprintf("transfer %s: %v", t.ID, err))
		return Transfer{}, err
	}
	m.audit.Record(ctx, actorID, audit.ActionTransferFail, audit.StatusSuccess,
		fmt.Sprintf("transfer %s failed: %s", t.ID, reason))
	m.transitioned(failed, "failed", 0)
	return failed, nil
}

func (m *Machine) load(ctx context.Context, ownerID, id string) (Transfer, error) {
	t, err := m.store.GetTransfer(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if t.OwnerID != ownerID {
		return Transfer{}, bank.ErrNotFound
	}
	if m.expired(t) {
		return m.expire(ctx, t)
	}
	return t, nil
}

func (m *Machine) loadOpen(ctx context.Context, ownerID, id string) (Transfer, error) {
	t, err := m.load(ctx, ownerID, id)
	if err != nil {
		return Transfer{}, err
	}
	if !t.Status.Open() {
		if t.Status == StatusFailed && t.FailureReason == reasonExpired {
			return Transfer{}, ErrTransferExpired
		}
		return Transfer{}, ErrTransferNotPending
	}
	return t, nil
}

func (m *Machine) expired(t Transfer) bool {
	return m.cfg.PendingTTL > 0 && t.Status.Open() && m.now().Sub(t.CreatedAt) > m.cfg.PendingTTL
}

// expire fails an open transfer that outlived PendingTTL. Losing the race to another
// transition is fine; the stored state is returned.
func (m *Machine) expire(ctx context.Context, t Transfer) (Transfer, error) {
	failed, err := m.store.UpdateTransferStatus(ctx, t.ID, OpenStatuses, StatusFailed, reasonExpired, m.now())
	if errors.Is(err, ErrTransferNotPending) {
		return m.store.GetTransfer(ctx, t.ID)
	}
	if err != nil {
		return Transfer{}, fmt.Errorf("expire transfer: %w", err)
	}
	m.audit.Record(ctx, t.OwnerID, audit.ActionTransferFail, audit.StatusSuccess,
		fmt.Sprintf("transfer %s failed: %s", t.ID, reasonExpired))
	m.transitioned(failed, "expired", 0)
	return failed, nil
}

func checkLevel(t Transfer, level int) error {
	if level < 1 || level > len(t.Levels) {
		return ErrInvalidLevel
	}
	if t.Status != StatusPending || level != t.NextLevel() {
		return ErrLevelOutOfOrder
	}
	return nil
}

func (m *Machine) transitioned(t Transfer, kind string, level int) {
	obs.TransferTransition(string(t.Status))
	obs.Logger().Info("transfer transition",
		zap.String("transfer_id", t.ID),
		zap.String("status", string(t.Status)),
		zap.String("kind", kind),
	)
	m.publish(t, kind, level)
}

func (m *Machine) publish(t Transfer, kind string, level int) {
	if m.events == nil {
		return
	}
	m.events.Publish(Event{
		Kind:       kind,
		TransferID: t.ID,
		OwnerID:    t.OwnerID,
		Status:     t.Status,
		Level:      level,
		Amount:     t.Amount,
		Currency:   t.Currency,
		At:         m.now(),
	})
}
