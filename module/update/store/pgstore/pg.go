// Package pgstore PostgreSQL 实现的 Update Store + 发号器。
//
// 发号是一条 upsert：命中冲突时 UPDATE 对计数行加行锁并持有到事务结束，
// 同一 bucket 的并发写者在这里排队，不同 bucket 互不影响。
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"strconv"
	"time"

	"PSync/module/update/model"
	"PSync/module/update/store"
	"PSync/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type Config struct {
	DSN         string
	MaxConns    int32
	LockTimeout time.Duration // 发号锁等待上限，超时映射为 SeqConflict
}

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout string
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse pg dsn")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "create pg pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "ping pg")
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "apply pg schema")
	}
	lt := cfg.LockTimeout
	if lt <= 0 {
		lt = 2 * time.Second
	}
	return &Store{pool: pool, lockTimeout: strconv.FormatInt(lt.Milliseconds(), 10) + "ms", now: time.Now}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) WriteTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = pgTx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	// 仅对本事务生效
	if _, err = pgTx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, s.lockTimeout); err != nil {
		return mapErr(err, "set lock_timeout")
	}
	if err = fn(&tx{tx: pgTx, now: s.now}); err != nil {
		return err
	}
	if err = pgTx.Commit(ctx); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

type tx struct {
	tx  pgx.Tx
	now func() time.Time
}

const nextSeqSQL = `
INSERT INTO bucket_seq (bucket_type, entity_id, last_seq, pruned_seq, updated_at)
VALUES ($1, $2, 1, 0, $3)
ON CONFLICT (bucket_type, entity_id)
DO UPDATE SET last_seq = bucket_seq.last_seq + 1, updated_at = EXCLUDED.updated_at
RETURNING last_seq`

func (t *tx) NextSeq(ctx context.Context, key model.BucketKey) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, nextSeqSQL, int16(key.Type), key.EntityID, t.now().UnixMilli()).Scan(&seq)
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
	_, err = t.tx.Exec(ctx,
		`INSERT INTO bucket_updates (bucket_type, entity_id, seq, date_ms, kind, body) VALUES ($1, $2, $3, $4, $5, $6)`,
		int16(row.BucketType), row.EntityID, row.Seq, row.DateMS, row.Kind, row.Body)
	return mapErr(err, "append update", "bucket", u.Bucket, "seq", u.Seq)
}

func (t *tx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return mapErr(err, "exec")
}

func (s *Store) ReadSlice(ctx context.Context, key model.BucketKey, afterSeq int64, limit int) ([]model.Update, bool, error) {
	limit = store.ClampPage(limit)

	var pruned int64
	err := s.pool.QueryRow(ctx,
		`SELECT pruned_seq FROM bucket_seq WHERE bucket_type = $1 AND entity_id = $2`,
		int16(key.Type), key.EntityID).Scan(&pruned)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapErr(err, "read pruned seq", "bucket", key)
	}
	if afterSeq < pruned {
		return nil, false, errs.ErrHistoryUnavailable.WrapMsg("below retention horizon",
			"bucket", key, "after", afterSeq, "pruned", pruned)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT bucket_type, entity_id, seq, date_ms, kind, body
		FROM bucket_updates
		WHERE bucket_type = $1 AND entity_id = $2 AND seq > $3
		ORDER BY seq ASC
		LIMIT $4`, int16(key.Type), key.EntityID, afterSeq, limit+1)
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
		var (
			r  store.Row
			bt int16
		)
		if err := rows.Scan(&bt, &r.EntityID, &r.Seq, &r.DateMS, &r.Kind, &r.Body); err != nil {
			return nil, false, mapErr(err, "scan update")
		}
		r.BucketType = int32(bt)
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
	err := s.pool.QueryRow(ctx,
		`SELECT last_seq FROM bucket_seq WHERE bucket_type = $1 AND entity_id = $2`,
		int16(key.Type), key.EntityID).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
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
		rows, err := s.pool.Query(ctx, `
			SELECT entity_id, last_seq, updated_at FROM bucket_seq
			WHERE bucket_type = $1 AND updated_at > $2 AND entity_id = ANY($3)`,
			int16(typ), since.UnixMilli(), ids)
		if err != nil {
			return nil, mapErr(err, "changed since")
		}
		for rows.Next() {
			var id, head, updatedMS int64
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
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapErr(err, "iterate changed buckets")
		}
	}
	return out, nil
}

func (s *Store) Prune(ctx context.Context, key model.BucketKey, beforeSeq int64) (int64, error) {
	var deleted int64
	err := s.WriteTx(ctx, func(stx store.Tx) error {
		t := stx.(*tx)
		tag, err := t.tx.Exec(ctx,
			`DELETE FROM bucket_updates WHERE bucket_type = $1 AND entity_id = $2 AND seq < $3`,
			int16(key.Type), key.EntityID, beforeSeq)
		if err != nil {
			return mapErr(err, "prune updates", "bucket", key)
		}
		deleted = tag.RowsAffected()
		_, err = t.tx.Exec(ctx,
			`UPDATE bucket_seq SET pruned_seq = GREATEST(pruned_seq, LEAST($1, last_seq))
			 WHERE bucket_type = $2 AND entity_id = $3`,
			beforeSeq-1, int16(key.Type), key.EntityID)
		return mapErr(err, "raise pruned seq", "bucket", key)
	})
	return deleted, err
}

// 55P03 lock_not_available / 40P01 deadlock / 40001 serialization_failure
func mapErr(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001":
			return errs.ErrSeqConflict.WrapMsg(msg+": "+pgErr.Message, kv...)
		}
	}
	return errs.WrapMsg(err, msg, kv...)
}
