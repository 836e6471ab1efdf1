package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/contentpay/commerce-relayer/pkg/logger"
	"github.com/contentpay/commerce-relayer/pkg/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

const selectColumns = `job_id, tx_hash, intent, state, signature, payment_tx_hash, last_error, created_at, updated_at`

// PostgresStore persists records in a postgres table managed by golang-migrate
type PostgresStore struct {
	db     *sql.DB
	logger logger.Logger
}

// NewPostgresStore opens the database pool and checks connectivity
func NewPostgresStore(ctx context.Context, databaseURL string, logger logger.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database connection: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("Database pool initialized")
	return &PostgresStore{db: db, logger: logger}, nil
}

// RunMigrations applies the migrations found in migrationsPath
func RunMigrations(databaseURL, migrationsPath string, logger logger.Logger) error {
	migrationsAbsPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve migration path %s: %w", migrationsPath, err)
	}

	sourceURL := "file://" + filepath.ToSlash(migrationsAbsPath)
	runner, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize migration runner: %w", err)
	}
	defer func() {
		sourceErr, dbErr := runner.Close()
		if sourceErr != nil {
			logger.Error("Migration source close warning path=%s error=%v", migrationsPath, sourceErr)
		}
		if dbErr != nil {
			logger.Error("Migration db close warning error=%v", dbErr)
		}
	}()

	err = runner.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("Database migrations up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info("Database migrations applied")
	return nil
}

// SaveIntent implements Store
func (s *PostgresStore) SaveIntent(ctx context.Context, rec *models.PurchaseRecord) error {
	if rec == nil || rec.JobID == "" {
		return fmt.Errorf("record without job id")
	}

	var intentID, intentJSON interface{}
	if rec.Intent != nil {
		encoded, err := json.Marshal(rec.Intent)
		if err != nil {
			return fmt.Errorf("failed to encode intent: %w", err)
		}
		intentID = rec.Intent.IntentID.Hex()
		intentJSON = encoded
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM purchases WHERE job_id = $1 FOR UPDATE`, rec.JobID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchases (job_id, tx_hash, intent_id, intent, state, state_rank, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			rec.JobID, rec.TxHash.Hex(), intentID, intentJSON, string(rec.State), rec.State.Rank(), createdAt)
	case err != nil:
		return fmt.Errorf("failed to load purchase %s: %w", rec.JobID, err)
	default:
		state, parseErr := models.ParseIntentState(current)
		if parseErr != nil {
			return fmt.Errorf("purchase %s: %w", rec.JobID, parseErr)
		}
		if rec.State != models.IntentStateUnknown {
			if !state.CanTransition(rec.State) {
				return fmt.Errorf("%w: %s -> %s", ErrStateRegression, state, rec.State)
			}
			state = rec.State
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE purchases
			SET tx_hash = $2,
			    intent_id = COALESCE($3, intent_id),
			    intent = COALESCE($4, intent),
			    state = $5,
			    state_rank = $6,
			    updated_at = NOW()
			WHERE job_id = $1`,
			rec.JobID, rec.TxHash.Hex(), intentID, intentJSON, string(state), state.Rank())
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %v", ErrDuplicateIntent, intentID)
		}
		return fmt.Errorf("failed to save purchase %s: %w", rec.JobID, err)
	}

	return tx.Commit()
}

// UpdateState implements Store. The WHERE clause enforces that states only move forward.
func (s *PostgresStore) UpdateState(ctx context.Context, jobID string, update StateUpdate) error {
	var paymentTx interface{}
	if update.PaymentTxHash != nil {
		paymentTx = update.PaymentTxHash.Hex()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET state = $2,
		    state_rank = $3,
		    signature = COALESCE(NULLIF($4, ''), signature),
		    payment_tx_hash = COALESCE($5, payment_tx_hash),
		    last_error = COALESCE(NULLIF($6, ''), last_error),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND (state = $2 OR (state NOT IN ('confirmed', 'failed') AND state_rank < $3))`,
		jobID, string(update.State), update.State.Rank(), update.Signature, paymentTx, update.LastError)
	if err != nil {
		return fmt.Errorf("failed to update purchase %s: %w", jobID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update purchase %s: %w", jobID, err)
	}
	if affected == 1 {
		return nil
	}

	current, err := s.GetByJobID(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrStateRegression, current.State, update.State)
}

// GetByIntentID implements Store
func (s *PostgresStore) GetByIntentID(ctx context.Context, intentID models.IntentID) (*models.PurchaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM purchases WHERE intent_id = $1`, intentID.Hex())
	return scanRecord(row)
}

// GetByJobID implements Store
func (s *PostgresStore) GetByJobID(ctx context.Context, jobID string) (*models.PurchaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM purchases WHERE job_id = $1`, jobID)
	return scanRecord(row)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.PurchaseRecord, error) {
	var (
		rec        models.PurchaseRecord
		txHash     string
		intentJSON []byte
		state      string
		paymentTx  sql.NullString
	)
	err := row.Scan(&rec.JobID, &txHash, &intentJSON, &state, &rec.Signature, &paymentTx, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read purchase: %w", err)
	}

	rec.TxHash = common.HexToHash(txHash)
	if rec.State, err = models.ParseIntentState(state); err != nil {
		return nil, fmt.Errorf("purchase %s: %w", rec.JobID, err)
	}
	if len(intentJSON) > 0 {
		var intent models.PaymentIntent
		if err := json.Unmarshal(intentJSON, &intent); err != nil {
			return nil, fmt.Errorf("failed to decode stored intent: %w", err)
		}
		rec.Intent = &intent
	}
	if paymentTx.Valid {
		hash := common.HexToHash(paymentTx.String)
		rec.PaymentTxHash = &hash
	}
	return &rec, nil
}
