package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection and ensures the schema exists.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id UUID PRIMARY KEY,
			provider TEXT NOT NULL,
			secret TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			success_count BIGINT NOT NULL DEFAULT 0,
			failure_count BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ,
			last_error_at TIMESTAMPTZ,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_provider_active ON api_keys (provider, is_active)`,
		`CREATE TABLE IF NOT EXISTS proxy_keys (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			rate_limit_per_minute INT NOT NULL DEFAULT 0,
			success_count BIGINT NOT NULL DEFAULT 0,
			failure_count BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ,
			last_error_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			format TEXT NOT NULL,
			is_successful BOOLEAN NOT NULL,
			is_stream BOOLEAN NOT NULL,
			duration_ms BIGINT NOT NULL,
			attempt_count INT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			upstream_id TEXT NOT NULL DEFAULT '',
			prompt_tokens INT NOT NULL DEFAULT 0,
			completion_tokens INT NOT NULL DEFAULT 0,
			total_tokens INT NOT NULL DEFAULT 0,
			attempts JSONB NOT NULL DEFAULT '[]',
			error JSONB,
			proxy_key_id UUID,
			api_key_id UUID,
			request_body BYTEA,
			response_body BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_proxy_key ON request_logs (proxy_key_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// HashKey returns the hex SHA-256 digest used to look up proxy keys.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// GetProxyKey retrieves an active proxy key by its raw key value.
func (db *DB) GetProxyKey(ctx context.Context, rawKey string) (*models.ProxyKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, is_active, rate_limit_per_minute,
		       success_count, failure_count, total_tokens, prompt_tokens, completion_tokens,
		       last_used_at, last_error_at, created_at, updated_at
		FROM proxy_keys
		WHERE key_hash = $1 AND is_active = true
	`

	var pk models.ProxyKey
	err := db.conn.QueryRowContext(ctx, query, HashKey(rawKey)).Scan(
		&pk.ID,
		&pk.Name,
		&pk.KeyHash,
		&pk.KeyPrefix,
		&pk.IsActive,
		&pk.RateLimitPerMinute,
		&pk.SuccessCount,
		&pk.FailureCount,
		&pk.TotalTokens,
		&pk.PromptTokens,
		&pk.CompletionTokens,
		&pk.LastUsedAt,
		&pk.LastErrorAt,
		&pk.CreatedAt,
		&pk.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invalid proxy key")
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &pk, nil
}

// ListActiveKeys returns every active upstream key for a provider.
func (db *DB) ListActiveKeys(ctx context.Context, provider string) ([]models.APIKey, error) {
	query := `
		SELECT id, provider, secret, is_active, success_count, failure_count,
		       last_used_at, last_error_at, metadata, created_at, updated_at
		FROM api_keys
		WHERE provider = $1 AND is_active = true
	`

	rows, err := db.conn.QueryContext(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("select api_keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		var metadata sql.NullString
		if err := rows.Scan(
			&k.ID,
			&k.Provider,
			&k.Secret,
			&k.IsActive,
			&k.SuccessCount,
			&k.FailureCount,
			&k.LastUsedAt,
			&k.LastErrorAt,
			&metadata,
			&k.CreatedAt,
			&k.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan api_key: %w", err)
		}
		if metadata.Valid {
			k.Metadata = json.RawMessage(metadata.String)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api_keys: %w", err)
	}

	return keys, nil
}

// MarkKeySuccess atomically increments a key's success counter and touches
// its last-used timestamp. Single statement, safe under concurrent requests.
func (db *DB) MarkKeySuccess(ctx context.Context, keyID string) error {
	query := `
		UPDATE api_keys
		SET success_count = success_count + 1, last_used_at = now(), updated_at = now()
		WHERE id = $1
	`
	_, err := db.conn.ExecContext(ctx, query, keyID)
	return err
}

// MarkKeyFailure atomically increments a key's failure counter and touches
// its last-used and last-error timestamps.
func (db *DB) MarkKeyFailure(ctx context.Context, keyID string, kind models.ErrorKind) error {
	query := `
		UPDATE api_keys
		SET failure_count = failure_count + 1, last_used_at = now(), last_error_at = now(), updated_at = now()
		WHERE id = $1
	`
	_, err := db.conn.ExecContext(ctx, query, keyID)
	return err
}

// ApplyProxyKeyUsage applies a completed request's outcome to the proxy
// key's aggregate counters in one atomic statement. Called exactly once per
// request by the recorder.
func (db *DB) ApplyProxyKeyUsage(ctx context.Context, proxyKeyID string, success bool, usage models.TokenUsage) error {
	var query string
	if success {
		query = `
			UPDATE proxy_keys
			SET success_count = success_count + 1,
			    total_tokens = total_tokens + $2,
			    prompt_tokens = prompt_tokens + $3,
			    completion_tokens = completion_tokens + $4,
			    last_used_at = now(), updated_at = now()
			WHERE id = $1
		`
	} else {
		query = `
			UPDATE proxy_keys
			SET failure_count = failure_count + 1,
			    total_tokens = total_tokens + $2,
			    prompt_tokens = prompt_tokens + $3,
			    completion_tokens = completion_tokens + $4,
			    last_used_at = now(), last_error_at = now(), updated_at = now()
			WHERE id = $1
		`
	}
	_, err := db.conn.ExecContext(ctx, query, proxyKeyID,
		usage.TotalTokens, usage.PromptTokens, usage.CompletionTokens)
	return err
}

// InsertRequestLog persists a completed request log with its attempt trail.
func (db *DB) InsertRequestLog(ctx context.Context, entry *models.RequestLog) error {
	attempts, err := json.Marshal(entry.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	var errJSON interface{}
	if entry.Error != nil {
		raw, err := json.Marshal(entry.Error)
		if err != nil {
			return fmt.Errorf("marshal error detail: %w", err)
		}
		errJSON = raw
	}

	var proxyKeyID, apiKeyID interface{}
	if entry.ProxyKeyID != "" {
		proxyKeyID = entry.ProxyKeyID
	}
	if entry.APIKeyID != "" {
		apiKeyID = entry.APIKeyID
	}

	query := `
		INSERT INTO request_logs (
			request_id, format, is_successful, is_stream, duration_ms, attempt_count,
			model, upstream_id, prompt_tokens, completion_tokens, total_tokens,
			attempts, error, proxy_key_id, api_key_id, request_body, response_body
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id, created_at
	`

	err = db.conn.QueryRowContext(ctx, query,
		entry.RequestID,
		entry.Format,
		entry.IsSuccessful,
		entry.IsStream,
		entry.DurationMs,
		entry.AttemptCount,
		entry.Model,
		entry.UpstreamID,
		entry.Usage.PromptTokens,
		entry.Usage.CompletionTokens,
		entry.Usage.TotalTokens,
		attempts,
		errJSON,
		proxyKeyID,
		apiKeyID,
		entry.RequestBody,
		entry.ResponseBody,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert request_log: %w", err)
	}
	return nil
}
