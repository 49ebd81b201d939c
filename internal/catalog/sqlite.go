package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tardb/tardb/internal/codec"
	"github.com/tardb/tardb/internal/storage"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Options configures a SQLiteCatalog.
type Options struct {
	// Compression is applied to persisted subtars.
	Compression codec.Compression

	// LoadConcurrency bounds parallel subtar fetches (default: 8).
	LoadConcurrency int
}

// SQLiteCatalog keeps schemas in SQLite and chunk data in blob storage.
type SQLiteCatalog struct {
	db     *sql.DB
	dbPath string
	store  storage.BlobStorage
	opts   Options
	mu     sync.Mutex // Serializes writers
}

// NewSQLiteCatalog opens (or creates) the catalog database at dbPath.
func NewSQLiteCatalog(dbPath string, store storage.BlobStorage, opts Options) (*SQLiteCatalog, error) {
	if opts.LoadConcurrency <= 0 {
		opts.LoadConcurrency = 8
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath, store: store, opts: opts}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}
	log.Printf("catalog: opened %s", dbPath)
	return c, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCatalog) GetTAR(ctx context.Context, name string) (*types.TAR, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT schema_json FROM tars WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get tar %s: %w", name, err)
	}
	var tar types.TAR
	if err := json.Unmarshal([]byte(raw), &tar); err != nil {
		return nil, fmt.Errorf("catalog: failed to decode schema of %s: %w", name, err)
	}
	return &tar, nil
}

func (c *SQLiteCatalog) HasTAR(ctx context.Context, name string) (bool, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tars WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("catalog: failed to look up tar %s: %w", name, err)
	}
	return n > 0, nil
}

func (c *SQLiteCatalog) ListTARs(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM tars ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list tars: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan tar name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *SQLiteCatalog) SaveTAR(ctx context.Context, tar *types.TAR) error {
	if err := tar.Validate(); err != nil {
		return saveFailed(tar.Name, err)
	}
	raw, err := json.Marshal(tar)
	if err != nil {
		return saveFailed(tar.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok, err := c.HasTAR(ctx, tar.Name); err != nil {
		return err
	} else if ok {
		return exists(tar.Name)
	}
	now := time.Now().UnixNano()
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO tars (name, schema_json, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		tar.Name, string(raw), now, now); err != nil {
		return saveFailed(tar.Name, err)
	}
	return nil
}

// SaveSubtar uploads the encoded chunk first and then records it, so a
// failed upload leaves the catalog untouched. A chunk saved again at the
// same index replaces the previous one.
func (c *SQLiteCatalog) SaveSubtar(ctx context.Context, name string, index int, st *subtar.Subtar) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tar, err := c.GetTAR(ctx, name)
	if err != nil {
		return err
	}
	if err := checkChunk(tar, index, st); err != nil {
		return saveFailed(name, err)
	}

	data, err := codec.EncodeSubtar(st, c.opts.Compression)
	if err != nil {
		return saveFailed(name, err)
	}
	id := uuid.NewString()
	key := fmt.Sprintf("tars/%s/%08d-%s.tarb", name, index, id)
	if err := c.store.Put(ctx, key, data); err != nil {
		return saveFailed(name, err)
	}

	previous, err := c.recordSubtar(ctx, tar, st, index, id, key, len(data))
	if err != nil {
		if derr := c.store.Delete(context.Background(), key); derr != nil {
			log.Printf("catalog: failed to delete unrecorded chunk %s: %v", key, derr)
		}
		return saveFailed(name, err)
	}

	if previous != "" {
		if err := c.store.Delete(ctx, previous); err != nil {
			log.Printf("catalog: failed to delete replaced chunk %s: %v", previous, err)
		}
	}
	return nil
}

// recordSubtar points the chunk row at key and grows the TAR bounds in one
// transaction. It returns the object key of the chunk it replaced, if any.
func (c *SQLiteCatalog) recordSubtar(ctx context.Context, tar *types.TAR, st *subtar.Subtar, index int, id, key string, size int) (string, error) {
	name := tar.Name
	var previous string
	err := c.db.QueryRowContext(ctx,
		`SELECT object_key FROM subtars WHERE tar_name = ? AND chunk_index = ?`, name, index).Scan(&previous)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}

	growBounds(tar, st)
	raw, err := json.Marshal(tar)
	if err != nil {
		return "", err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `DELETE FROM subtars WHERE tar_name = ? AND chunk_index = ?`, name, index); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subtars (subtar_id, tar_name, chunk_index, object_key, row_count, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, index, key, st.FilledLength(), size, now); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tars SET schema_json = ?, updated_at = ? WHERE name = ?`, string(raw), now, name); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return previous, nil
}

// LoadSubtars fetches every chunk of a TAR from blob storage in parallel and
// decodes them in index order.
func (c *SQLiteCatalog) LoadSubtars(ctx context.Context, name string) (*types.TAR, []*subtar.Subtar, error) {
	tar, err := c.GetTAR(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT object_key FROM subtars WHERE tar_name = ? ORDER BY chunk_index`, name)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: failed to list chunks of %s: %w", name, err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("catalog: failed to scan chunk key: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	res, err := storage.NewBatchFetcher(c.store, c.opts.LoadConcurrency).Fetch(ctx, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: failed to load chunks of %s: %w", name, err)
	}
	if err := res.Err(keys); err != nil {
		return nil, nil, fmt.Errorf("catalog: failed to load chunks of %s: %w", name, err)
	}

	chunks := make([]*subtar.Subtar, len(keys))
	for i, data := range res.Data {
		st, err := codec.DecodeSubtar(tar, data)
		if err != nil {
			return nil, nil, fmt.Errorf("catalog: chunk %s: %w", keys[i], err)
		}
		chunks[i] = st
	}
	return tar, chunks, nil
}

func (c *SQLiteCatalog) DropTAR(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `SELECT object_key FROM subtars WHERE tar_name = ?`, name)
	if err != nil {
		return fmt.Errorf("catalog: failed to list chunks of %s: %w", name, err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return fmt.Errorf("catalog: failed to scan chunk key: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM subtars WHERE tar_name = ?`, name); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tars WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(name)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			log.Printf("catalog: failed to delete chunk %s of dropped tar %s: %v", key, name, err)
		}
	}
	return nil
}

// Close closes the catalog database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}
