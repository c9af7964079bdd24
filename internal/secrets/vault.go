// Package secrets provides the encrypted credential vault backing tenant
// resolution. Atlassian credentials are encrypted at rest with AES-256-GCM
// and stored in SQLite, keyed by chat channel and service. Every resolution
// is logged to an audit table.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/cryptoutil"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/otel"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

// ErrInvalidEncryptionKey is returned when the vault key is not exactly
// 32 bytes (required for AES-256).
var ErrInvalidEncryptionKey = errors.New("invalid encryption key")

var tracer = otel.Tracer("github.com/Bullseye1979/ai-discord-bot-sub001/internal/secrets")

// Vault stores per-channel service credentials, encrypted at rest. It
// implements tenant.Resolver: lookups happen fresh on every call and are
// never cached.
type Vault struct {
	db  *sql.DB
	gcm cipher.AEAD
}

// AccessRecord is one credential resolution audit entry.
type AccessRecord struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Found     bool      `json:"found"`
}

// NewVault opens (or creates) the credential vault at dbPath. The key must
// be 32 raw bytes or 64 hex characters decoding to 32 bytes.
func NewVault(dbPath, encryptionKey string) (*Vault, error) {
	keyBytes, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening credential database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		channel_id TEXT NOT NULL,
		service TEXT NOT NULL,
		encrypted_value TEXT NOT NULL,
		nonce TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (channel_id, service)
	);

	CREATE TABLE IF NOT EXISTS credential_access_log (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		service TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		found BOOLEAN NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cred_log_channel ON credential_access_log(channel_id);
	CREATE INDEX IF NOT EXISTS idx_cred_log_timestamp ON credential_access_log(timestamp);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Vault{db: db, gcm: gcm}, nil
}

func resolveEncryptionKey(key string) ([]byte, error) {
	raw, ok := cryptoutil.DecodeKey(key)
	if !ok {
		return nil, fmt.Errorf("encryption key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidEncryptionKey)
	}
	return raw, nil
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Store encrypts and upserts the credentials for a channel/service pair.
func (v *Vault) Store(ctx context.Context, channelID string, service tenant.Service, creds *tenant.Credentials) error {
	ctx, span := tracer.Start(ctx, "secrets.store",
		trace.WithAttributes(
			attribute.String("channel_id", channelID),
			attribute.String("service", string(service)),
		))
	defer span.End()

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := v.gcm.Seal(nil, nonce, plaintext, nil)

	query := `
		INSERT INTO credentials (channel_id, service, encrypted_value, nonce, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, service) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			nonce = excluded.nonce
	`
	if _, err := v.db.ExecContext(ctx, query,
		channelID, string(service),
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(nonce),
		time.Now(),
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

// Resolve decrypts the credentials for a channel/service pair. Missing rows
// map to tenant.ErrNotConfigured; both outcomes are audit-logged.
func (v *Vault) Resolve(ctx context.Context, channelID string, service tenant.Service) (*tenant.Credentials, error) {
	ctx, span := tracer.Start(ctx, "secrets.resolve",
		trace.WithAttributes(
			attribute.String("channel_id", channelID),
			attribute.String("service", string(service)),
		))
	defer span.End()

	var encryptedValue, nonceB64 string
	query := `SELECT encrypted_value, nonce FROM credentials WHERE channel_id = ? AND service = ?`
	err := v.db.QueryRowContext(ctx, query, channelID, string(service)).Scan(&encryptedValue, &nonceB64)
	if errors.Is(err, sql.ErrNoRows) {
		v.logAccess(ctx, channelID, service, false)
		return nil, fmt.Errorf("channel %s / %s: %w", channelID, service, tenant.ErrNotConfigured)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying credentials: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}

	var creds tenant.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("unmarshaling credentials: %w", err)
	}

	v.logAccess(ctx, channelID, service, true)
	return &creds, nil
}

// Delete removes the credentials for a channel/service pair.
func (v *Vault) Delete(ctx context.Context, channelID string, service tenant.Service) error {
	_, err := v.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE channel_id = ? AND service = ?`,
		channelID, string(service))
	if err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// AccessLog returns the most recent resolution audit entries, newest first.
func (v *Vault) AccessLog(ctx context.Context, limit int) ([]AccessRecord, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, channel_id, service, timestamp, found
		 FROM credential_access_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying access log: %w", err)
	}
	defer rows.Close()

	var out []AccessRecord
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.Service, &r.Timestamp, &r.Found); err != nil {
			return nil, fmt.Errorf("scanning access record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (v *Vault) logAccess(ctx context.Context, channelID string, service tenant.Service, found bool) {
	_, _ = v.db.ExecContext(ctx,
		`INSERT INTO credential_access_log (id, channel_id, service, timestamp, found)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), channelID, string(service), time.Now(), found)
}
