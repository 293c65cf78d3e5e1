package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

const transactionColumns = `id, payment_tx_id, payment_chain, payment_token, amount_paid, swap_amount,
	sender_address, cirx_recipient_address, cirx_transfer_tx_id, cirx_amount, swap_status,
	retry_count, recovery_attempts, failure_reason, failure_permanent, last_retry_at, version, created_at, updated_at`

// Store provides database operations for swap transactions.
type Store struct {
	pool *pgxpool.Pool
}

var _ swap.Store = (*Store)(nil)

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateTransaction inserts a new swap record. A second record for the same
// payment tx id returns swap.ErrDuplicatePayment.
func (s *Store) CreateTransaction(ctx context.Context, params swap.CreateParams) (*swap.Transaction, error) {
	status := params.Status
	if status == "" {
		status = swap.StatusInitiated
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO swap_transactions (
			id, payment_tx_id, payment_chain, payment_token, amount_paid, swap_amount,
			sender_address, cirx_recipient_address, swap_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+transactionColumns,
		uuid.New().String(),
		params.PaymentTxID,
		params.PaymentChain,
		params.PaymentToken,
		params.AmountPaid,
		params.SwapAmount,
		params.SenderAddress,
		params.CirxRecipientAddress,
		string(status),
	)
	txn, err := scanTransaction(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", swap.ErrDuplicatePayment, params.PaymentTxID)
		}
		return nil, fmt.Errorf("failed to insert swap transaction: %w", err)
	}
	return txn, nil
}

// GetTransaction retrieves a swap by id.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*swap.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM swap_transactions WHERE id = $1`, id.String())
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", swap.ErrTransactionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get swap transaction: %w", err)
	}
	return txn, nil
}

// GetTransactionByPaymentTxID retrieves a swap by its payment transaction hash.
func (s *Store) GetTransactionByPaymentTxID(ctx context.Context, paymentTxID string) (*swap.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM swap_transactions WHERE payment_tx_id = $1`, paymentTxID)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment %s", swap.ErrTransactionNotFound, paymentTxID)
		}
		return nil, fmt.Errorf("failed to get swap transaction: %w", err)
	}
	return txn, nil
}

// ListTransactionsByStatus returns the oldest-updated records in the given
// statuses. An empty status list matches every record.
func (s *Store) ListTransactionsByStatus(ctx context.Context, statuses []swap.Status, limit int) ([]*swap.Transaction, error) {
	var (
		rows pgx.Rows
		err  error
	)
	limit = normalizeLimit(limit)
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT `+transactionColumns+` FROM swap_transactions
			ORDER BY updated_at ASC
			LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+transactionColumns+` FROM swap_transactions
			WHERE swap_status = ANY($1)
			ORDER BY updated_at ASC
			LIMIT $2`, statusStrings(statuses), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list swap transactions: %w", err)
	}
	return collectTransactions(rows)
}

// ListStaleTransactions returns records in q.Statuses that have not been
// updated since q.UpdatedBefore. Failed transfers are only returned while
// they still have recovery attempts left and the failure is not permanent.
func (s *Store) ListStaleTransactions(ctx context.Context, q swap.StaleQuery) ([]*swap.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM swap_transactions
		WHERE swap_status = ANY($1)
		  AND updated_at < $2
		  AND (swap_status <> 'failed_cirx_transfer' OR (recovery_attempts < $3 AND NOT failure_permanent))
		ORDER BY updated_at ASC
		LIMIT $4`,
		statusStrings(q.Statuses), q.UpdatedBefore, q.MaxRecoveryAttempts, normalizeLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale swap transactions: %w", err)
	}
	return collectTransactions(rows)
}

// CountTransactionsByStatus returns the number of records per status.
func (s *Store) CountTransactionsByStatus(ctx context.Context) (map[swap.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT swap_status, count(*) FROM swap_transactions GROUP BY swap_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count swap transactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[swap.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[swap.Status(status)] = n
	}
	return counts, rows.Err()
}

// TransitionTransaction applies tr as a single UPDATE guarded by the expected
// status (and version). If no row matches, another writer got there first and
// swap.ErrStaleTransition is returned.
func (s *Store) TransitionTransaction(ctx context.Context, tr swap.Transition) (*swap.Transaction, error) {
	if err := tr.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, tr.From, tr.To)
	}

	query, args := buildTransitionQuery(tr)
	txn, err := scanTransaction(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s expected %s", swap.ErrStaleTransition, tr.ID, tr.From)
		}
		return nil, fmt.Errorf("failed to transition swap transaction: %w", err)
	}
	return txn, nil
}

func buildTransitionQuery(tr swap.Transition) (string, []any) {
	args := []any{string(tr.To), tr.ID.String(), string(tr.From)}
	set := []string{"swap_status = $1", "version = version + 1", "updated_at = now()"}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch {
	case tr.FailureReason != nil:
		set = append(set, "failure_reason = "+arg(*tr.FailureReason), "failure_permanent = "+arg(tr.PermanentFailure))
	case tr.ClearFailureReason:
		set = append(set, "failure_reason = NULL", "failure_permanent = FALSE")
	}
	switch {
	case tr.CirxTransferTxID != nil:
		set = append(set, "cirx_transfer_tx_id = "+arg(*tr.CirxTransferTxID))
	case tr.ClearCirxTransfer:
		set = append(set, "cirx_transfer_tx_id = NULL", "cirx_amount = NULL")
	}
	if tr.CirxAmount != nil {
		set = append(set, "cirx_amount = "+arg(*tr.CirxAmount))
	}
	switch {
	case tr.IncrementRetry:
		set = append(set, "retry_count = retry_count + 1", "last_retry_at = now()")
	case tr.ResetRetry:
		set = append(set, "retry_count = 0")
	}
	if tr.IncrementRecovery {
		set = append(set, "recovery_attempts = recovery_attempts + 1")
	}

	where := "id = $2 AND swap_status = $3"
	if tr.ExpectedVersion != 0 {
		where += " AND version = " + arg(tr.ExpectedVersion)
	}

	query := "UPDATE swap_transactions SET " + strings.Join(set, ", ") +
		" WHERE " + where + " RETURNING " + transactionColumns
	return query, args
}

func collectTransactions(rows pgx.Rows) ([]*swap.Transaction, error) {
	defer rows.Close()
	var txns []*swap.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan swap transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txns, nil
}

func scanTransaction(row pgx.Row) (*swap.Transaction, error) {
	var (
		id               string
		status           string
		cirxTransferTxID pgtype.Text
		cirxAmount       pgtype.Text
		failureReason    pgtype.Text
		lastRetryAt      pgtype.Timestamptz
		createdAt        pgtype.Timestamptz
		updatedAt        pgtype.Timestamptz
		retryCount       int32
		recoveryAttempts int32
		txn              swap.Transaction
	)
	err := row.Scan(
		&id,
		&txn.PaymentTxID,
		&txn.PaymentChain,
		&txn.PaymentToken,
		&txn.AmountPaid,
		&txn.SwapAmount,
		&txn.SenderAddress,
		&txn.CirxRecipientAddress,
		&cirxTransferTxID,
		&cirxAmount,
		&status,
		&retryCount,
		&recoveryAttempts,
		&failureReason,
		&txn.FailurePermanent,
		&lastRetryAt,
		&txn.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", id, err)
	}
	txn.ID = parsed
	txn.Status = swap.Status(status)
	txn.RetryCount = int(retryCount)
	txn.RecoveryAttempts = int(recoveryAttempts)
	txn.CirxTransferTxID = stringPtrFromPgtext(cirxTransferTxID)
	txn.CirxAmount = stringPtrFromPgtext(cirxAmount)
	txn.FailureReason = stringPtrFromPgtext(failureReason)
	txn.LastRetryAt = timePtrFromPgTimestamptz(lastRetryAt)
	txn.CreatedAt = createdAt.Time
	txn.UpdatedAt = updatedAt.Time
	return &txn, nil
}

// normalizeLimit maps a non-positive limit to "no limit".
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

func statusStrings(statuses []swap.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
