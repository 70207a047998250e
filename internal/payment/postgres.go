package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/onnwee/coursepay/internal/tracing"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgreSQL payment repository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

const paymentColumns = `id, user_id, external_id, subscription_id, method, status, amount,
	payer_email, idempotency_key, approved_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p                        Payment
		externalID, subscription sql.NullString
		payerEmail, key          sql.NullString
		approvedAt               sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &externalID, &subscription, &p.Method, &p.Status, &p.Amount,
		&payerEmail, &key, &approvedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ExternalID = externalID.String
	p.SubscriptionID = subscription.String
	p.PayerEmail = payerEmail.String
	p.IdempotencyKey = key.String
	if approvedAt.Valid {
		t := approvedAt.Time
		p.ApprovedAt = &t
	}
	return &p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// Unique indexes on payments, as named in the migrations.
const (
	idempotencyKeyIndex = "idx_payments_idempotency_key"
	externalIDIndex     = "idx_payments_external_id"
)

// uniqueViolationError maps a unique violation on payments to its sentinel.
// Other errors are returned as nil.
func uniqueViolationError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return nil
	}
	switch pqErr.Constraint {
	case idempotencyKeyIndex:
		return ErrDuplicateIdempotencyKey
	case externalIDIndex:
		return ErrDuplicateExternalID
	}
	return nil
}

// Create inserts a payment.
func (r *PostgresRepository) Create(ctx context.Context, p *Payment) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		p.ID, p.UserID, nullString(p.ExternalID), nullString(p.SubscriptionID), p.Method, p.Status, p.Amount,
		nullString(p.PayerEmail), nullString(p.IdempotencyKey), nullTime(p.ApprovedAt),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if dup := uniqueViolationError(err); dup != nil {
		return dup
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to insert payment",
			slog.String("user_id", p.UserID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, arg any) (p *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() {
		if errors.Is(err, ErrPaymentNotFound) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	p, err = scanPayment(r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Payment, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	if externalID == "" {
		return nil, ErrPaymentNotFound
	}
	return r.getOne(ctx, `external_id = $1`, externalID)
}

func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	if key == "" {
		return nil, ErrPaymentNotFound
	}
	return r.getOne(ctx, `idempotency_key = $1`, key)
}

// ListByUser returns the user's payments, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) (out []*Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	out = make([]*Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return out, nil
}

// Confirm attaches the provider id and status.
func (r *PostgresRepository) Confirm(ctx context.Context, id, externalID, status string, approvedAt *time.Time) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET external_id = $2, status = $3, approved_at = COALESCE($4, approved_at), updated_at = NOW()
		WHERE id = $1
	`, id, externalID, status, nullTime(approvedAt))
	if dup := uniqueViolationError(err); dup != nil {
		return dup
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to confirm payment",
			slog.String("payment_id", id),
			slog.String("external_id", externalID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to confirm payment: %w", err)
	}
	return requireRow(res)
}

// Delete removes a payment.
func (r *PostgresRepository) Delete(ctx context.Context, id string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// TransitionStatus moves a payment to status with a conditional update. The
// WHERE clause encodes the same rule as Payment.acceptsStatus.
func (r *PostgresRepository) TransitionStatus(ctx context.Context, id, externalID, status string, approvedAt *time.Time) (changed bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2,
			external_id = COALESCE(external_id, $3),
			approved_at = COALESCE($4, approved_at),
			updated_at = NOW()
		WHERE id = $1
		  AND (status = ANY($5)
		    OR (status = $2 AND status = ANY($6) AND external_id IS NULL AND $3::text IS NOT NULL))
	`, id, status, nullString(externalID), nullTime(approvedAt),
		pq.Array(SourceStatuses(status)), pq.Array(openStatuses()))
	if dup := uniqueViolationError(err); dup != nil {
		return false, dup
	}
	if err != nil {
		return false, fmt.Errorf("failed to update payment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish a refused transition from a missing payment.
	var exists bool
	if err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check payment: %w", err)
	}
	if !exists {
		return false, ErrPaymentNotFound
	}
	return false, nil
}

// ApplyChargeback records the chargeback and applies its effects in one transaction.
func (r *PostgresRepository) ApplyChargeback(ctx context.Context, cb *Chargeback) (result ChargebackResult, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "chargebacks", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to begin transaction",
			slog.String("chargeback_id", cb.ExternalID),
			slog.String("error", err.Error()))
		return ChargebackResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			r.logger.Warn("failed to rollback transaction",
				slog.String("error", err.Error()))
		}
	}()

	// Lock the disputed payment, if we know it.
	var (
		paymentID, userID        string
		payerEmail, subscription sql.NullString
		paymentStatus            string
		havePayment              bool
	)
	if cb.PaymentExternalID != "" {
		err = tx.QueryRowContext(ctx, `
			SELECT id, user_id, payer_email, subscription_id, status
			FROM payments WHERE external_id = $1
			FOR UPDATE
		`, cb.PaymentExternalID).Scan(&paymentID, &userID, &payerEmail, &subscription, &paymentStatus)
		switch {
		case err == nil:
			havePayment = true
		case errors.Is(err, sql.ErrNoRows):
			err = nil
		default:
			return ChargebackResult{}, fmt.Errorf("failed to lock payment: %w", err)
		}
	}

	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	cb.UserID = userID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chargebacks (id, external_id, payment_external_id, user_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (external_id) DO NOTHING
		RETURNING created_at
	`, cb.ID, cb.ExternalID, nullString(cb.PaymentExternalID), nullString(cb.UserID), cb.Amount, cb.Status).Scan(&cb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Already processed.
		return ChargebackResult{}, nil
	}
	if err != nil {
		return ChargebackResult{}, fmt.Errorf("failed to insert chargeback: %w", err)
	}

	result = ChargebackResult{Applied: true}
	if havePayment {
		result.PaymentID = paymentID
		result.UserID = userID
		result.PayerEmail = payerEmail.String
		result.SubscriptionID = subscription.String

		if paymentStatus != StatusChargedBack {
			if _, err = tx.ExecContext(ctx,
				`UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1`,
				paymentID, StatusChargedBack); err != nil {
				return ChargebackResult{}, fmt.Errorf("failed to mark payment charged back: %w", err)
			}
		}

		if subscription.Valid {
			res, err := tx.ExecContext(ctx, `
				UPDATE subscriptions SET status = 'cancelled', updated_at = NOW()
				WHERE id = $1 AND status NOT IN ('cancelled', 'expired')
			`, subscription.String)
			if err != nil {
				return ChargebackResult{}, fmt.Errorf("failed to cancel subscription: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return ChargebackResult{}, fmt.Errorf("failed to read affected rows: %w", err)
			}
			result.SubscriptionCancelled = n > 0
		}
	}

	if err = tx.Commit(); err != nil {
		r.logger.ErrorContext(ctx, "failed to commit chargeback",
			slog.String("chargeback_id", cb.ExternalID),
			slog.String("error", err.Error()))
		return ChargebackResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.InfoContext(ctx, "chargeback applied",
		slog.String("chargeback_id", cb.ExternalID),
		slog.String("payment_id", result.PaymentID),
		slog.Bool("subscription_cancelled", result.SubscriptionCancelled))
	return result, nil
}

// RecordClaim inserts or advances a claim in one transaction. A concurrent
// first insert of the same claim waits on the unique index and then takes the
// update path.
func (r *PostgresRepository) RecordClaim(ctx context.Context, c *Claim) (change ClaimChange, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "claims", tracing.DBOperationTx)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return ClaimChange{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			r.logger.Warn("failed to rollback transaction",
				slog.String("error", err.Error()))
		}
	}()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO claims (id, external_id, resource_id, resource_type, type, stage, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (external_id) DO NOTHING
		RETURNING created_at, updated_at
	`, c.ID, c.ExternalID, c.ResourceID, c.ResourceType, c.Type, c.Stage, nullString(c.UserID), c.Status).Scan(&c.CreatedAt, &c.UpdatedAt)
	switch {
	case err == nil:
		change.Inserted = true
	case errors.Is(err, sql.ErrNoRows):
		var stored Claim
		if err = tx.QueryRowContext(ctx, `
			SELECT status, stage FROM claims WHERE external_id = $1 FOR UPDATE
		`, c.ExternalID).Scan(&stored.Status, &stored.Stage); err != nil {
			return ClaimChange{}, fmt.Errorf("failed to lock claim: %w", err)
		}
		if !claimUpdate(&stored, c) {
			return ClaimChange{}, nil
		}
		if _, err = tx.ExecContext(ctx, `
			UPDATE claims SET status = $2, stage = $3, updated_at = NOW() WHERE external_id = $1
		`, c.ExternalID, c.Status, c.Stage); err != nil {
			return ClaimChange{}, fmt.Errorf("failed to update claim: %w", err)
		}
		change = ClaimChange{Updated: true, PreviousStatus: stored.Status}
	default:
		return ClaimChange{}, fmt.Errorf("failed to insert claim: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return ClaimChange{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return change, nil
}
