package subscription

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

// PostgresRepository implements Repository and PlanRepository on PostgreSQL.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

const subscriptionColumns = `id, user_id, plan_id, external_id, payer_id, status, current_amount,
	current_period_start, current_period_end, card_token_id, last_four_digits,
	customer_id, payer_email, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		s                      Subscription
		externalID, payerID    sql.NullString
		cardToken, lastFour    sql.NullString
		customerID, payerEmail sql.NullString
		periodStart, periodEnd sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &externalID, &payerID, &s.Status, &s.CurrentAmount,
		&periodStart, &periodEnd, &cardToken, &lastFour, &customerID, &payerEmail, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ExternalID = externalID.String
	s.PayerID = payerID.String
	s.CardTokenID = cardToken.String
	s.LastFourDigits = lastFour.String
	s.CustomerID = customerID.String
	s.PayerEmail = payerEmail.String
	if periodStart.Valid {
		t := periodStart.Time
		s.CurrentPeriodStart = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		s.CurrentPeriodEnd = &t
	}
	return &s, nil
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Create inserts a subscription.
func (r *PostgresRepository) Create(ctx context.Context, s *Subscription) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "subscriptions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		s.ID, s.UserID, s.PlanID, nullString(s.ExternalID), nullString(s.PayerID), s.Status, s.CurrentAmount,
		nullTime(s.CurrentPeriodStart), nullTime(s.CurrentPeriodEnd), nullString(s.CardTokenID),
		nullString(s.LastFourDigits), nullString(s.CustomerID), nullString(s.PayerEmail),
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateExternalID
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to insert subscription",
			slog.String("user_id", s.UserID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, args ...any) (s *Subscription, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "subscriptions", tracing.DBOperationQuery)
	defer func() {
		if errors.Is(err, ErrSubscriptionNotFound) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where + ` ORDER BY created_at DESC LIMIT 1`
	s, err = scanSubscription(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Subscription, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	if externalID == "" {
		return nil, ErrSubscriptionNotFound
	}
	return r.getOne(ctx, `external_id = $1`, externalID)
}

func (r *PostgresRepository) GetLiveByUser(ctx context.Context, userID string) (*Subscription, error) {
	return r.getOne(ctx, `user_id = $1 AND status NOT IN ($2, $3)`, userID, StatusCancelled, StatusExpired)
}

func (r *PostgresRepository) GetActiveByCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	if customerID == "" {
		return nil, ErrSubscriptionNotFound
	}
	return r.getOne(ctx, `customer_id = $1 AND status = $2`, customerID, StatusActive)
}

// Update overwrites the mutable fields of s.
func (r *PostgresRepository) Update(ctx context.Context, s *Subscription) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "subscriptions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE subscriptions SET
			plan_id = $2, external_id = $3, payer_id = $4, status = $5, current_amount = $6,
			current_period_start = $7, current_period_end = $8, card_token_id = $9,
			last_four_digits = $10, customer_id = $11, payer_email = $12, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		s.ID, s.PlanID, nullString(s.ExternalID), nullString(s.PayerID), s.Status, s.CurrentAmount,
		nullTime(s.CurrentPeriodStart), nullTime(s.CurrentPeriodEnd), nullString(s.CardTokenID),
		nullString(s.LastFourDigits), nullString(s.CustomerID), nullString(s.PayerEmail),
	).Scan(&s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSubscriptionNotFound
	}
	if isUniqueViolation(err) {
		return ErrDuplicateExternalID
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to update subscription",
			slog.String("subscription_id", s.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// Delete removes a subscription row.
func (r *PostgresRepository) Delete(ctx context.Context, id string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "subscriptions", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *PostgresRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return n, nil
}

// GetPlan returns ErrPlanNotFound if absent.
func (r *PostgresRepository) GetPlan(ctx context.Context, id string) (p *Plan, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "plans", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		plan       Plan
		externalID sql.NullString
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT id, name, amount, frequency_type, frequency_interval, external_plan_id
		FROM plans WHERE id = $1
	`, id).Scan(&plan.ID, &plan.Name, &plan.Amount, &plan.FrequencyType, &plan.FrequencyInterval, &externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query plan: %w", err)
	}
	plan.ExternalPlanID = externalID.String
	return &plan, nil
}
