package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // Import the PostgreSQL driver AND helpers like pq.Error
	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/model"
)

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// This allows storage helpers to work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure PostgreSQLStorage implements Storage (compile-time check).
var _ Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	// Add optional SSL params
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}
	return OpenPostgreSQLStorage(connStr)
}

// OpenPostgreSQLStorage connects using a ready-made connection string (key/value or URL form).
func OpenPostgreSQLStorage(connStr string) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database")

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second) // Longer timeout for DDL
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err // Error already logged in ensureSchema
	}

	logger.Info("PostgreSQLStorage initialized")
	return &PostgreSQLStorage{db: db, now: time.Now}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	tableAndIndexStmts := []string{
		`CREATE TABLE IF NOT EXISTS acme_account ( id INTEGER PRIMARY KEY DEFAULT 1, key_pem BYTEA NOT NULL, updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(), CONSTRAINT acme_account_single_row CHECK (id = 1) );`,
		`CREATE TABLE IF NOT EXISTS pending_orders ( key TEXT PRIMARY KEY, domain TEXT NOT NULL, challenge_type TEXT NOT NULL, order_url TEXT NOT NULL UNIQUE, authorization_url TEXT NOT NULL, challenge_url TEXT NOT NULL, token TEXT NOT NULL UNIQUE, key_authorization TEXT NOT NULL, private_key_pem TEXT NOT NULL, csr_pem TEXT NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_pending_orders_created_at ON pending_orders (created_at);`,
		`CREATE TABLE IF NOT EXISTS challenge_responses ( token TEXT PRIMARY KEY, key_authorization TEXT NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS certificates ( domain TEXT PRIMARY KEY, certificate_pem TEXT NOT NULL, private_key_pem TEXT NOT NULL, challenge_type TEXT NOT NULL, dns_config JSONB, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_expires_at ON certificates (expires_at);`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range tableAndIndexStmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement (Table/Index Phase)", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema (Table/Index Phase): %w", err)
		}
	}

	// A challenge response only lives as long as the pending order that owns its token.
	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_challenge_responses_token') THEN
                ALTER TABLE challenge_responses ADD CONSTRAINT fk_challenge_responses_token FOREIGN KEY (token) REFERENCES pending_orders(token) ON DELETE CASCADE;
            END IF;
        END $$;`

	logger.Info("Executing ALTER TABLE ADD CONSTRAINT statements...")
	if _, err := db.ExecContext(ctx, fkStmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("severity", pqErr.Severity),
				zap.String("code", string(pqErr.Code)),
				zap.String("message", pqErr.Message),
				zap.String("detail", pqErr.Detail),
				zap.String("constraint", pqErr.Constraint),
			)
		} else {
			logger.Error("Failed to execute schema statement (Foreign Key Phase)", zap.Error(err))
		}
		return fmt.Errorf("storage: failed to initialize database schema (Foreign Key Phase): %w", err)
	}

	logger.Info("Database schema initialization check complete.")
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: failed to ping PostgreSQL database: %w", err)
	}
	return nil
}

// withinTransaction executes fn within a database transaction.
func (s *PostgreSQLStorage) withinTransaction(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

// --- Account key ---

func (s *PostgreSQLStorage) SaveAccountKey(ctx context.Context, keyPEM []byte) error {
	query := `INSERT INTO acme_account (id, key_pem, updated_at) VALUES (1, $1, NOW()) ON CONFLICT (id) DO UPDATE SET key_pem = EXCLUDED.key_pem, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, query, keyPEM); err != nil {
		return fmt.Errorf("storage: failed to save account key: %w", err)
	}
	logger.Debug("Account key saved")
	return nil
}

func (s *PostgreSQLStorage) GetAccountKey(ctx context.Context) ([]byte, error) {
	var keyPEM []byte
	err := s.db.QueryRowContext(ctx, `SELECT key_pem FROM acme_account WHERE id = 1`).Scan(&keyPEM)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account key: %w", err)
	}
	return keyPEM, nil
}

// --- Challenge responses ---

func (s *PostgreSQLStorage) GetChallengeResponse(ctx context.Context, token string) (*model.ChallengeResponse, error) {
	query := `SELECT token, key_authorization, created_at FROM challenge_responses WHERE token = $1`
	var cr model.ChallengeResponse
	err := s.db.QueryRowContext(ctx, query, token).Scan(&cr.Token, &cr.KeyAuthorization, &cr.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get challenge response for token '%s': %w", token, err)
	}
	return &cr, nil
}

// --- Pending orders ---

// SavePendingOrder writes the order and its challenge response in one transaction.
func (s *PostgreSQLStorage) SavePendingOrder(ctx context.Context, order *model.PendingOrder) error {
	if err := preparePendingOrder(order, s.now); err != nil {
		return err
	}
	err := s.withinTransaction(ctx, func(q Querier) error {
		if err := savePendingOrder(ctx, q, order); err != nil {
			return err
		}
		return saveChallengeResponse(ctx, q, &model.ChallengeResponse{
			Token:            order.Token,
			KeyAuthorization: order.KeyAuthorization,
			CreatedAt:        order.CreatedAt,
		})
	})
	if err != nil {
		return err
	}
	logger.Debug("Pending order saved", zap.String("key", order.Key), zap.String("domain", order.Domain))
	return nil
}

func (s *PostgreSQLStorage) GetPendingOrder(ctx context.Context, key string) (*model.PendingOrder, error) {
	query := `SELECT ` + pendingOrderColumns + ` FROM pending_orders WHERE key = $1`
	order, err := scanPendingOrder(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get pending order '%s': %w", key, err)
	}
	return order, nil
}

// DeletePendingOrder removes the order and its challenge response in one transaction.
func (s *PostgreSQLStorage) DeletePendingOrder(ctx context.Context, key string) error {
	return s.withinTransaction(ctx, func(q Querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM challenge_responses WHERE token IN (SELECT token FROM pending_orders WHERE key = $1)`, key); err != nil {
			return fmt.Errorf("storage: failed to delete challenge response for pending order '%s': %w", key, err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM pending_orders WHERE key = $1`, key); err != nil {
			return fmt.Errorf("storage: failed to delete pending order '%s': %w", key, err)
		}
		logger.Debug("Pending order deleted", zap.String("key", key))
		return nil
	})
}

func (s *PostgreSQLStorage) ListPendingOrders(ctx context.Context) ([]*model.PendingOrder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pendingOrderColumns+` FROM pending_orders ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list pending orders: %w", err)
	}
	defer rows.Close()

	var orders []*model.PendingOrder
	for rows.Next() {
		order, err := scanPendingOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan pending order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating pending order rows: %w", err)
	}
	return orders, nil
}

const pendingOrderColumns = `key, domain, challenge_type, order_url, authorization_url, challenge_url, token, key_authorization, private_key_pem, csr_pem, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingOrder(row rowScanner) (*model.PendingOrder, error) {
	var o model.PendingOrder
	err := row.Scan(&o.Key, &o.Domain, &o.ChallengeType, &o.OrderURL, &o.AuthorizationURL, &o.ChallengeURL,
		&o.Token, &o.KeyAuthorization, &o.PrivateKeyPEM, &o.CSRPEM, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func savePendingOrder(ctx context.Context, q Querier, o *model.PendingOrder) error {
	query := `
        INSERT INTO pending_orders (` + pendingOrderColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (key) DO UPDATE SET
            domain = EXCLUDED.domain, challenge_type = EXCLUDED.challenge_type, authorization_url = EXCLUDED.authorization_url,
            challenge_url = EXCLUDED.challenge_url, token = EXCLUDED.token, key_authorization = EXCLUDED.key_authorization,
            private_key_pem = EXCLUDED.private_key_pem, csr_pem = EXCLUDED.csr_pem`
	_, err := q.ExecContext(ctx, query, o.Key, o.Domain, string(o.ChallengeType), o.OrderURL, o.AuthorizationURL,
		o.ChallengeURL, o.Token, o.KeyAuthorization, o.PrivateKeyPEM, o.CSRPEM, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save pending order '%s': %w", o.Key, err)
	}
	return nil
}

func saveChallengeResponse(ctx context.Context, q Querier, cr *model.ChallengeResponse) error {
	query := `INSERT INTO challenge_responses (token, key_authorization, created_at) VALUES ($1, $2, $3)
        ON CONFLICT (token) DO UPDATE SET key_authorization = EXCLUDED.key_authorization`
	if _, err := q.ExecContext(ctx, query, cr.Token, cr.KeyAuthorization, cr.CreatedAt); err != nil {
		return fmt.Errorf("storage: failed to save challenge response for token '%s': %w", cr.Token, err)
	}
	return nil
}

// --- Certificates ---

func (s *PostgreSQLStorage) SaveCertificate(ctx context.Context, rec *model.CertificateRecord) error {
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = s.now().UTC()
	}
	var dnsArg interface{} // nil for SQL NULL
	if rec.DNSConfig != nil {
		b, err := json.Marshal(rec.DNSConfig)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal DNS config for '%s': %w", rec.Domain, err)
		}
		dnsArg = b
	}
	query := `
        INSERT INTO certificates (domain, certificate_pem, private_key_pem, challenge_type, dns_config, expires_at, issued_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (domain) DO UPDATE SET
            certificate_pem = EXCLUDED.certificate_pem, private_key_pem = EXCLUDED.private_key_pem,
            challenge_type = EXCLUDED.challenge_type, dns_config = EXCLUDED.dns_config,
            expires_at = EXCLUDED.expires_at, issued_at = EXCLUDED.issued_at`
	_, err := s.db.ExecContext(ctx, query, rec.Domain, rec.CertificatePEM, rec.PrivateKeyPEM,
		string(rec.ChallengeType), dnsArg, rec.ExpiresAt, rec.IssuedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate for '%s': %w", rec.Domain, err)
	}
	logger.Debug("Certificate saved", zap.String("domain", rec.Domain), zap.Time("expires_at", rec.ExpiresAt))
	return nil
}

const certificateColumns = `domain, certificate_pem, private_key_pem, challenge_type, dns_config, expires_at, issued_at`

func scanCertificate(row rowScanner) (*model.CertificateRecord, error) {
	var rec model.CertificateRecord
	var dnsJSON []byte
	if err := row.Scan(&rec.Domain, &rec.CertificatePEM, &rec.PrivateKeyPEM, &rec.ChallengeType, &dnsJSON, &rec.ExpiresAt, &rec.IssuedAt); err != nil {
		return nil, err
	}
	if len(dnsJSON) > 0 {
		rec.DNSConfig = &model.DNSConfig{}
		if err := json.Unmarshal(dnsJSON, rec.DNSConfig); err != nil {
			return nil, fmt.Errorf("storage: failed to unmarshal DNS config for '%s': %w", rec.Domain, err)
		}
	}
	return &rec, nil
}

func (s *PostgreSQLStorage) GetCertificate(ctx context.Context, domain string) (*model.CertificateRecord, error) {
	rec, err := scanCertificate(s.db.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE domain = $1`, domain))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate for '%s': %w", domain, err)
	}
	return rec, nil
}

func (s *PostgreSQLStorage) ListCertificates(ctx context.Context) ([]*model.CertificateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+certificateColumns+` FROM certificates ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list certificates: %w", err)
	}
	defer rows.Close()

	var recs []*model.CertificateRecord
	for rows.Next() {
		rec, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan certificate row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating certificate rows: %w", err)
	}
	return recs, nil
}
