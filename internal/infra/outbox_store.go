package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/canopyguard/canopy/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	outboxDBName    = "outbox.db"
	DefaultCapacity = 500
)

// outboxMigrations are applied in order; schema_migrations records the
// current version so upgrades are one-way and idempotent.
var outboxMigrations = []string{
	`CREATE TABLE IF NOT EXISTS outbox_items (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		owner_key   TEXT NOT NULL DEFAULT '',
		placeholder INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		nonce       BLOB NOT NULL,
		ciphertext  BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_order ON outbox_items(enqueued_at, seq);
	CREATE INDEX IF NOT EXISTS idx_outbox_owner ON outbox_items(owner_key);`,
}

// payloadEnvelope is what actually gets encrypted per item. The retry fields
// ride inside the ciphertext, which is why a retry update re-encrypts with a
// fresh nonce instead of touching a cleartext column.
type payloadEnvelope struct {
	Record      []byte `json:"record"`
	RetryCount  int    `json:"retry_count"`
	LastRetryAt int64  `json:"last_retry_at_ms"`
}

// SQLCipherOutbox implements domain.OutboxStore on an encrypted SQLite
// database. The database file key protects the cleartext metadata columns;
// each payload is additionally sealed per item by the device cipher.
//
// A single connection plus BEGIN IMMEDIATE transactions serialize all
// mutations, so concurrent enqueues can never jointly overshoot capacity.
type SQLCipherOutbox struct {
	db       *sql.DB
	dbPath   string
	capacity int
	cipher   domain.PayloadCipher
	identity domain.IdentityProvider
	logger   *zap.Logger
	now      func() time.Time
}

// NewSQLCipherOutbox opens (or creates) the encrypted outbox database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewSQLCipherOutbox(
	dataDir string,
	key []byte,
	capacity int,
	cipher domain.PayloadCipher,
	identity domain.IdentityProvider,
	logger *zap.Logger,
) (*SQLCipherOutbox, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, outboxDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Verify the key works before touching the schema.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	o := &SQLCipherOutbox{
		db:       db,
		dbPath:   dbPath,
		capacity: capacity,
		cipher:   cipher,
		identity: identity,
		logger:   logger,
		now:      time.Now,
	}

	if err := o.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return o, nil
}

func (o *SQLCipherOutbox) migrate() error {
	if _, err := o.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}

	var current int
	err := o.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return err
	}

	for v := current; v < len(outboxMigrations); v++ {
		if _, err := o.db.Exec(outboxMigrations[v]); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := o.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			v+1, time.Now().Unix()); err != nil {
			return fmt.Errorf("migration %d bookkeeping: %w", v+1, err)
		}
	}
	return nil
}

// deviceID resolves the device identity, failing fast when none is set.
func (o *SQLCipherOutbox) deviceID() (string, error) {
	id, err := o.identity.DeviceID()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", domain.ErrDeviceIdentityMissing
	}
	return id, nil
}

// Enqueue encrypts record, inserts it, and evicts the oldest items in the
// same transaction when capacity would be exceeded. Returns the item id and
// the number of evicted items so callers can count data loss.
func (o *SQLCipherOutbox) Enqueue(ctx context.Context, record []byte, ownerKey string, placeholder bool) (string, int, error) {
	device, err := o.deviceID()
	if err != nil {
		return "", 0, err
	}

	env := payloadEnvelope{Record: record}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return "", 0, &domain.StorageError{Op: "enqueue", Err: err}
	}

	ciphertext, nonce, err := o.cipher.Encrypt(plaintext, device)
	if err != nil {
		return "", 0, err
	}

	id := uuid.NewString()
	enqueuedAt := o.now().UnixMilli()
	placeholderVal := 0
	if placeholder {
		placeholderVal = 1
	}

	conn, err := o.db.Conn(ctx)
	if err != nil {
		return "", 0, &domain.StorageError{Op: "enqueue", Err: err}
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return "", 0, &domain.StorageError{Op: "enqueue", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if _, err := conn.ExecContext(ctx,
		`INSERT INTO outbox_items (id, owner_key, placeholder, enqueued_at, nonce, ciphertext)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, ownerKey, placeholderVal, enqueuedAt, nonce, ciphertext,
	); err != nil {
		return "", 0, &domain.StorageError{Op: "enqueue", Err: err}
	}

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_items`).Scan(&count); err != nil {
		return "", 0, &domain.StorageError{Op: "enqueue", Err: err}
	}

	evicted := 0
	if count > o.capacity {
		overflow := count - o.capacity
		res, err := conn.ExecContext(ctx,
			`DELETE FROM outbox_items WHERE seq IN (
				SELECT seq FROM outbox_items ORDER BY enqueued_at ASC, seq ASC LIMIT ?
			)`, overflow)
		if err != nil {
			return "", 0, &domain.StorageError{Op: "evict", Err: err}
		}
		if n, err := res.RowsAffected(); err == nil {
			evicted = int(n)
		} else {
			evicted = overflow
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return "", 0, &domain.StorageError{Op: "enqueue", Err: err}
	}
	committed = true

	if evicted > 0 && o.logger != nil {
		o.logger.Warn("outbox at capacity, evicted oldest items",
			zap.Int("evicted", evicted),
			zap.Int("capacity", o.capacity))
	}

	return id, evicted, nil
}

// List returns up to limit decrypted items, oldest first. Corrupt items are
// skipped and logged; they stay in the store for later inspection.
func (o *SQLCipherOutbox) List(ctx context.Context, limit int) ([]domain.Item, error) {
	return o.list(ctx, "", limit)
}

// ListOwner is List filtered by the cleartext grouping key.
func (o *SQLCipherOutbox) ListOwner(ctx context.Context, ownerKey string, limit int) ([]domain.Item, error) {
	return o.list(ctx, ownerKey, limit)
}

func (o *SQLCipherOutbox) list(ctx context.Context, ownerKey string, limit int) ([]domain.Item, error) {
	device, err := o.deviceID()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, owner_key, placeholder, enqueued_at, nonce, ciphertext
		FROM outbox_items`
	args := []any{}
	if ownerKey != "" {
		query += ` WHERE owner_key = ?`
		args = append(args, ownerKey)
	}
	query += ` ORDER BY enqueued_at ASC, seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	items := make([]domain.Item, 0)
	for rows.Next() {
		var (
			id, owner   string
			placeholder int
			enqueuedMs  int64
			nonce, ct   []byte
		)
		if err := rows.Scan(&id, &owner, &placeholder, &enqueuedMs, &nonce, &ct); err != nil {
			return nil, &domain.StorageError{Op: "list", Err: err}
		}

		item, err := o.decryptItem(id, owner, placeholder == 1, enqueuedMs, nonce, ct, device)
		if err != nil {
			// Corrupt or foreign item: skip, flag, keep.
			if o.logger != nil {
				o.logger.Warn("skipping undecryptable outbox item",
					zap.String("item_id", id),
					zap.Error(err))
			}
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}

	return items, nil
}

func (o *SQLCipherOutbox) decryptItem(id, owner string, placeholder bool, enqueuedMs int64, nonce, ct []byte, device string) (domain.Item, error) {
	plaintext, err := o.cipher.Decrypt(ct, nonce, device)
	if err != nil {
		var de *domain.DecryptionError
		if errors.As(err, &de) {
			de.ItemID = id
		}
		return domain.Item{}, err
	}

	var env payloadEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return domain.Item{}, &domain.DecryptionError{ItemID: id, Err: err}
	}

	item := domain.Item{
		ID:          id,
		OwnerKey:    owner,
		Placeholder: placeholder,
		EnqueuedAt:  time.UnixMilli(enqueuedMs),
		Record:      env.Record,
		RetryCount:  env.RetryCount,
	}
	if env.LastRetryAt > 0 {
		item.LastRetryAt = time.UnixMilli(env.LastRetryAt)
	}
	return item, nil
}

// Remove deletes an item by id. Removing an absent id is a no-op.
func (o *SQLCipherOutbox) Remove(ctx context.Context, id string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox_items WHERE id = ?`, id); err != nil {
		return &domain.StorageError{Op: "remove", Err: err}
	}
	return nil
}

// UpdateRetry rewrites the retry fields inside the encrypted payload and
// replaces the row atomically. The old ciphertext is gone once this returns.
func (o *SQLCipherOutbox) UpdateRetry(ctx context.Context, id string, retryCount int, lastRetryAt time.Time) error {
	device, err := o.deviceID()
	if err != nil {
		return err
	}

	conn, err := o.db.Conn(ctx)
	if err != nil {
		return &domain.StorageError{Op: "update-retry", Err: err}
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return &domain.StorageError{Op: "update-retry", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	var nonce, ct []byte
	err = conn.QueryRowContext(ctx,
		`SELECT nonce, ciphertext FROM outbox_items WHERE id = ?`, id).Scan(&nonce, &ct)
	if err == sql.ErrNoRows {
		return domain.ErrItemNotFound
	}
	if err != nil {
		return &domain.StorageError{Op: "update-retry", Err: err}
	}

	plaintext, err := o.cipher.Decrypt(ct, nonce, device)
	if err != nil {
		var de *domain.DecryptionError
		if errors.As(err, &de) {
			de.ItemID = id
		}
		return err
	}

	var env payloadEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return &domain.DecryptionError{ItemID: id, Err: err}
	}
	env.RetryCount = retryCount
	env.LastRetryAt = lastRetryAt.UnixMilli()

	updated, err := json.Marshal(env)
	if err != nil {
		return &domain.StorageError{Op: "update-retry", Err: err}
	}

	newCT, newNonce, err := o.cipher.Encrypt(updated, device)
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx,
		`UPDATE outbox_items SET nonce = ?, ciphertext = ? WHERE id = ?`,
		newNonce, newCT, id); err != nil {
		return &domain.StorageError{Op: "update-retry", Err: err}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return &domain.StorageError{Op: "update-retry", Err: err}
	}
	committed = true
	return nil
}

// Size returns the current item count, placeholders included.
func (o *SQLCipherOutbox) Size(ctx context.Context) (int, error) {
	var count int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_items`).Scan(&count); err != nil {
		return 0, &domain.StorageError{Op: "size", Err: err}
	}
	return count, nil
}

// Clear removes every item.
func (o *SQLCipherOutbox) Clear(ctx context.Context) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox_items`); err != nil {
		return &domain.StorageError{Op: "clear", Err: err}
	}
	return nil
}

// DBPath returns the database file path (for snapshots and tests).
func (o *SQLCipherOutbox) DBPath() string {
	return o.dbPath
}

// Capacity returns the configured maximum item count.
func (o *SQLCipherOutbox) Capacity() int {
	return o.capacity
}

// Close releases the database connection.
func (o *SQLCipherOutbox) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}

// Ensure SQLCipherOutbox implements domain.OutboxStore.
var _ domain.OutboxStore = (*SQLCipherOutbox)(nil)
