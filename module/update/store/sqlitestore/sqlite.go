// Package sqlitestore 单机/开发用的 Update Store。
//
// 写事务以 BEGIN IMMEDIATE 开启（DSN _txlock=immediate），事务一开始就拿到库级写锁，
// 发号与落库在同一把锁下完成。
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"PSync/module/update/model"
	"PSync/module/update/store"
	"PSync/tools/errs"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithClock 注入时钟（updated_at 用）
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open 打开或创建数据库文件，设置 pragma 并建表；可重复调用。
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.WrapMsg(err, "open sqlite", "path", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.WrapMsg(err, "ping sqlite", "path", path)
	}

	// SQLite 同时只允许一个写者，连接池收敛到 1，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errs.WrapMsg(err, "apply pragma", "pragma", pragma)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errs.WrapMsg(err, "apply schema")
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB 供测试与业务建表使用
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WriteTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&tx{tx: sqlTx, now: s.now}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

type tx struct {
	tx  *sql.Tx
	now func() time.Time
}

const nextSeqSQL = `
INSERT INTO bucket_seq (bucket_type, entity_id, last_seq, pruned_seq, updated_at)
VALUES (?, ?, 1, 0, ?)
ON CONFLICT (bucket_type, entity_id)
DO UPDATE SET last_seq = bucket_seq.last_seq + 1, updated_at = excluded.updated_at
RETURNING last_seq`

func (t *tx) NextSeq(ctx context.Context, key model.BucketKey) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx, nextSeqSQL, int32(key.Type), key.EntityID, t.now().UnixMilli()).Scan(&seq)
	if err != nil {
		return 0, mapErr(err, "next seq", "bucket", key)
	}
	return seq, nil
}

func (t *tx) Append(ctx context.Context, u *model.Update) error {
	row, err := store.ToRow(u)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO bucket_updates (bucket_type, entity_id, seq, date_ms, kind, body) VALUES (?, ?, ?, ?, ?, ?)`,
		row.BucketType, row.EntityID, row.Seq, row.DateMS, row.Kind, row.Body)
	if err != nil {
		return mapErr(err, "append update", "bucket", u.Bucket, "seq", u.Seq)
	}
	return nil
}

func (t *tx) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapErr(err, "exec")
	}
	return nil
}

func (s *Store) ReadSlice(ctx context.Context, key model.BucketKey, afterSeq int64, limit int) ([]model.Update, bool, error) {
	limit = store.ClampPage(limit)

	var pruned sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT pruned_seq FROM bucket_seq WHERE bucket_type = ? AND entity_id = ?`,
		int32(key.Type), key.EntityID).Scan(&pruned)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, mapErr(err, "read pruned seq", "bucket", key)
	}
	if pruned.Valid && afterSeq < pruned.Int64 {
		return nil, false, errs.ErrHistoryUnavailable.WrapMsg("below retention horizon",
			"bucket", key, "after", afterSeq, "pruned", pruned.Int64)
	}

	// 多取一条判断 hasMore
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_type, entity_id, seq, date_ms, kind, body
		FROM bucket_updates
		WHERE bucket_type = ? AND entity_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, int32(key.Type), key.EntityID, afterSeq, limit+1)
	if err != nil {
		return nil, false, mapErr(err, "read slice", "bucket", key)
	}
	defer rows.Close()

	out := make([]model.Update, 0, limit)
	hasMore := false
	for rows.Next() {
		if len(out) == limit {
			hasMore = true
			break
		}
		var r store.Row
		if err := rows.Scan(&r.BucketType, &r.EntityID, &r.Seq, &r.DateMS, &r.Kind, &r.Body); err != nil {
			return nil, false, mapErr(err, "scan update")
		}
		u, err := r.Update()
		if err != nil {
			return nil, false, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, false, mapErr(err, "iterate updates")
	}
	return out, hasMore, nil
}

func (s *Store) HeadSeq(ctx context.Context, key model.BucketKey) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM bucket_seq WHERE bucket_type = ? AND entity_id = ?`,
		int32(key.Type), key.EntityID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapErr(err, "head seq", "bucket", key)
	}
	return head, nil
}

func (s *Store) ChangedSince(ctx context.Context, keys []model.BucketKey, since time.Time) ([]model.BucketRef, error) {
	var out []model.BucketRef
	for typ, ids := range store.GroupByType(keys) {
		args := make([]any, 0, len(ids)+2)
		args = append(args, int32(typ), since.UnixMilli())
		for _, id := range ids {
			args = append(args, id)
		}
		query := `SELECT entity_id, last_seq, updated_at FROM bucket_seq
			WHERE bucket_type = ? AND updated_at > ? AND entity_id IN (?` +
			strings.Repeat(",?", len(ids)-1) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, mapErr(err, "changed since")
		}
		for rows.Next() {
			var (
				id, head, updatedMS int64
			)
			if err := rows.Scan(&id, &head, &updatedMS); err != nil {
				rows.Close()
				return nil, mapErr(err, "scan changed bucket")
			}
			out = append(out, model.BucketRef{
				Key:       model.BucketKey{Type: typ, EntityID: id},
				HeadSeq:   head,
				UpdatedAt: time.UnixMilli(updatedMS).UTC(),
			})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, mapErr(err, "iterate changed buckets")
		}
	}
	return out, nil
}

func (s *Store) Prune(ctx context.Context, key model.BucketKey, beforeSeq int64) (int64, error) {
	var deleted int64
	err := s.WriteTx(ctx, func(stx store.Tx) error {
		t := stx.(*tx)
		res, err := t.tx.ExecContext(ctx,
			`DELETE FROM bucket_updates WHERE bucket_type = ? AND entity_id = ? AND seq < ?`,
			int32(key.Type), key.EntityID, beforeSeq)
		if err != nil {
			return mapErr(err, "prune updates", "bucket", key)
		}
		deleted, _ = res.RowsAffected()
		_, err = t.tx.ExecContext(ctx,
			`UPDATE bucket_seq SET pruned_seq = MAX(pruned_seq, MIN(?, last_seq)) WHERE bucket_type = ? AND entity_id = ?`,
			beforeSeq-1, int32(key.Type), key.EntityID)
		return mapErr(err, "raise pruned seq", "bucket", key)
	})
	return deleted, err
}

// mapErr busy/locked 归为 SeqConflict（可重试），其余附带上下文
func mapErr(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return errs.ErrSeqConflict.WrapMsg(msg+": "+se.Error(), kv...)
	}
	return errs.WrapMsg(err, msg, kv...)
}
