// Package localdb 客户端本地持久化：bucket 游标与发现水位。
package localdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"PSync/module/update/model"
	"PSync/tools/errs"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const keyWatermark = "discovery_watermark"

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, errs.WrapMsg(err, "open localdb", "path", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.WrapMsg(err, "ping localdb", "path", path)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode = WAL", schemaSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errs.WrapMsg(err, "init localdb", "path", path)
		}
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) LoadSeq(ctx context.Context, key model.BucketKey) (int64, error) {
	var seq int64
	err := d.db.QueryRowContext(ctx,
		`SELECT seq FROM bucket_cursor WHERE bucket_type = ? AND entity_id = ?`,
		int32(key.Type), key.EntityID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.WrapMsg(err, "load cursor", "bucket", key)
	}
	return seq, nil
}

func (d *DB) SaveSeq(ctx context.Context, key model.BucketKey, seq int64) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO bucket_cursor (bucket_type, entity_id, seq, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (bucket_type, entity_id) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		int32(key.Type), key.EntityID, seq, time.Now().UnixMilli())
	if err != nil {
		return errs.WrapMsg(err, "save cursor", "bucket", key, "seq", seq)
	}
	return nil
}

// Cursors 全部已知 bucket，启动时恢复 actor 用
func (d *DB) Cursors(ctx context.Context) (map[model.BucketKey]int64, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT bucket_type, entity_id, seq FROM bucket_cursor`)
	if err != nil {
		return nil, errs.WrapMsg(err, "list cursors")
	}
	defer rows.Close()
	out := make(map[model.BucketKey]int64)
	for rows.Next() {
		var (
			t   int32
			id  int64
			seq int64
		)
		if err := rows.Scan(&t, &id, &seq); err != nil {
			return nil, errs.WrapMsg(err, "scan cursor")
		}
		out[model.BucketKey{Type: model.BucketType(t), EntityID: id}] = seq
	}
	return out, errs.Wrap(rows.Err())
}

// LoadWatermark 未保存过返回零值（首次发现）
func (d *DB) LoadWatermark(ctx context.Context) (time.Time, error) {
	var v string
	err := d.db.QueryRowContext(ctx, `SELECT v FROM sync_state WHERE k = ?`, keyWatermark).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errs.WrapMsg(err, "load watermark")
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, errs.WrapMsg(err, "parse watermark", "v", v)
	}
	return time.UnixMilli(ms), nil
}

func (d *DB) SaveWatermark(ctx context.Context, t time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO sync_state (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`,
		keyWatermark, strconv.FormatInt(t.UnixMilli(), 10))
	return errs.WrapMsg(err, "save watermark")
}

// Memory 内存实现
type Memory struct {
	mu        sync.Mutex
	cursors   map[model.BucketKey]int64
	watermark time.Time
}

func NewMemory() *Memory {
	return &Memory{cursors: make(map[model.BucketKey]int64)}
}

func (m *Memory) LoadSeq(_ context.Context, key model.BucketKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[key], nil
}

func (m *Memory) SaveSeq(_ context.Context, key model.BucketKey, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = seq
	return nil
}

func (m *Memory) Cursors(context.Context) (map[model.BucketKey]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.BucketKey]int64, len(m.cursors))
	for k, v := range m.cursors {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) LoadWatermark(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, nil
}

func (m *Memory) SaveWatermark(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = t
	return nil
}
