package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"cronbot/internal/job"
	logx "cronbot/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	// Immediate transactions take the write lock up front so the quota
	// count and the insert cannot interleave with another process.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage ready", logx.String("path", path))
	return newSQLiteStore(sqlx.NewDb(db, "sqlite"), log), nil
}

func newSQLiteStore(db *sqlx.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}
}

const jobColumns = `id, name, owner_id, chat_id, thread_id, payload, recurrence, next_run_at,
	status, restrict_mode, retry_state, created_at, updated_at, claimed_at`

const insertJobSQL = `INSERT INTO jobs (` + jobColumns + `)
	VALUES (:id, :name, :owner_id, :chat_id, :thread_id, :payload, :recurrence, :next_run_at,
	:status, :restrict_mode, :retry_state, :created_at, :updated_at, :claimed_at)`

const countActiveSQL = `SELECT COUNT(*) FROM jobs WHERE owner_id = ? AND status IN ('scheduled', 'dispatching')`

type jobRow struct {
	ID           string        `db:"id"`
	Name         string        `db:"name"`
	OwnerID      int64         `db:"owner_id"`
	ChatID       int64         `db:"chat_id"`
	ThreadID     int           `db:"thread_id"`
	Payload      string        `db:"payload"`
	Recurrence   string        `db:"recurrence"`
	NextRunAt    int64         `db:"next_run_at"`
	Status       string        `db:"status"`
	RestrictMode string        `db:"restrict_mode"`
	RetryState   int           `db:"retry_state"`
	CreatedAt    int64         `db:"created_at"`
	UpdatedAt    int64         `db:"updated_at"`
	ClaimedAt    sql.NullInt64 `db:"claimed_at"`
}

func rowFromJob(j job.Job) (jobRow, error) {
	p, err := job.EncodePayload(j.Payload)
	if err != nil {
		return jobRow{}, err
	}
	r, err := job.EncodeRecurrence(j.Recurrence)
	if err != nil {
		return jobRow{}, err
	}
	row := jobRow{
		ID:           j.ID,
		Name:         j.Name,
		OwnerID:      j.OwnerID,
		ChatID:       j.ChatID,
		ThreadID:     j.ThreadID,
		Payload:      string(p),
		Recurrence:   string(r),
		NextRunAt:    toMillis(j.NextRunAt),
		Status:       string(j.Status),
		RestrictMode: string(j.RestrictMode),
		RetryState:   j.RetryState,
		CreatedAt:    toMillis(j.CreatedAt),
		UpdatedAt:    toMillis(j.UpdatedAt),
	}
	if !j.ClaimedAt.IsZero() {
		row.ClaimedAt = sql.NullInt64{Int64: j.ClaimedAt.UnixMilli(), Valid: true}
	}
	if row.Status == "" {
		row.Status = string(job.StatusScheduled)
	}
	if row.RestrictMode == "" {
		row.RestrictMode = string(job.RestrictNone)
	}
	return row, nil
}

func (r jobRow) toJob() (job.Job, error) {
	p, err := job.DecodePayload([]byte(r.Payload))
	if err != nil {
		return job.Job{}, errors.Wrapf(err, "job %s", r.ID)
	}
	rec, err := job.DecodeRecurrence([]byte(r.Recurrence))
	if err != nil {
		return job.Job{}, errors.Wrapf(err, "job %s", r.ID)
	}
	j := job.Job{
		ID:           r.ID,
		Name:         r.Name,
		OwnerID:      r.OwnerID,
		ChatID:       r.ChatID,
		ThreadID:     r.ThreadID,
		Payload:      p,
		Recurrence:   rec,
		NextRunAt:    fromMillis(r.NextRunAt),
		Status:       job.Status(r.Status),
		RestrictMode: job.RestrictMode(r.RestrictMode),
		RetryState:   r.RetryState,
		CreatedAt:    fromMillis(r.CreatedAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
	}
	if r.ClaimedAt.Valid {
		j.ClaimedAt = fromMillis(r.ClaimedAt.Int64)
	}
	return j, nil
}

func rowsToJobs(rows []jobRow) ([]job.Job, error) {
	out := make([]job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, j job.Job) error {
	row, err := rowFromJob(j)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, insertJobSQL, row)
	return errors.Wrap(err, "insert job")
}

func (s *sqliteStore) InsertWithLimit(ctx context.Context, j job.Job, limit int) error {
	row, err := rowFromJob(j)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin insert")
	}
	defer func() { _ = tx.Rollback() }()

	if limit > 0 {
		var n int
		if err := tx.GetContext(ctx, &n, countActiveSQL, j.OwnerID); err != nil {
			return errors.Wrap(err, "count active jobs")
		}
		if n >= limit {
			return quotaErr(n, limit)
		}
	}
	if _, err := tx.NamedExecContext(ctx, insertJobSQL, row); err != nil {
		return errors.Wrap(err, "insert job")
	}
	return errors.Wrap(tx.Commit(), "commit insert")
}

func quotaErr(n, limit int) error {
	return job.WithHintf(job.ErrQuotaExceeded, "you already have %d active jobs (limit %d); delete one with /delete first", n, limit)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, job.ErrNotFound
	}
	if err != nil {
		return job.Job{}, errors.Wrap(err, "get job")
	}
	return row.toJob()
}

func (s *sqliteStore) Update(ctx context.Context, j job.Job) error {
	row, err := rowFromJob(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET name = ?, payload = ?, recurrence = ?, next_run_at = ?, status = ?, restrict_mode = ?, updated_at = ?
		 WHERE id = ? AND status != 'dispatching'`,
		row.Name, row.Payload, row.Recurrence, row.NextRunAt, row.Status, row.RestrictMode, row.UpdatedAt, row.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE id = ?`, j.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	return busyErr()
}

func busyErr() error {
	return job.WithHint(job.ErrClaimConflict, "the job is being delivered right now, try again in a moment")
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) FindDue(ctx context.Context, now, staleBefore time.Time) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE (status = 'scheduled' AND next_run_at <= ?)
		    OR (status = 'dispatching' AND claimed_at < ?)
		 ORDER BY next_run_at ASC`,
		now.UnixMilli(), staleBefore.UnixMilli(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find due jobs")
	}
	return rowsToJobs(rows)
}

func (s *sqliteStore) Claim(ctx context.Context, id string, expect job.Status, now, staleBefore time.Time) error {
	var (
		res sql.Result
		err error
	)
	ms := now.UnixMilli()
	switch expect {
	case job.StatusScheduled:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'dispatching', claimed_at = ?, retry_state = 0, updated_at = ?
			 WHERE id = ? AND status = 'scheduled' AND next_run_at <= ?`,
			ms, ms, id, ms,
		)
	case job.StatusDispatching:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET claimed_at = ?, retry_state = 0, updated_at = ?
			 WHERE id = ? AND status = 'dispatching' AND claimed_at < ?`,
			ms, ms, id, staleBefore.UnixMilli(),
		)
	default:
		return errors.Wrapf(job.ErrClaimConflict, "cannot claim job in status %s", expect)
	}
	if err != nil {
		return errors.Wrap(err, "claim job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.ErrClaimConflict
	}
	return nil
}

func (s *sqliteStore) Reconcile(ctx context.Context, id string, status job.Status, next time.Time, attempts int, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, next_run_at = ?, retry_state = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'dispatching'`,
		string(status), toMillis(next), attempts, now.UnixMilli(), id,
	)
	if err != nil {
		return errors.Wrap(err, "reconcile job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.ErrClaimConflict
	}
	return nil
}

func (s *sqliteStore) CountActive(ctx context.Context, owner int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, countActiveSQL, owner); err != nil {
		return 0, errors.Wrap(err, "count active jobs")
	}
	return n, nil
}

func (s *sqliteStore) ListByChat(ctx context.Context, chatID int64) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE chat_id = ? ORDER BY created_at ASC, id ASC`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	return rowsToJobs(rows)
}

func (s *sqliteStore) DeleteByChat(ctx context.Context, chatID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, errors.Wrap(err, "delete chat jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type chatRow struct {
	ChatID       int64   `db:"chat_id"`
	TZOffset     float64 `db:"tz_offset"`
	RestrictMode string  `db:"restrict_mode"`
	UpdatedAt    int64   `db:"updated_at"`
}

const upsertChatSQL = `INSERT INTO chat_configs (chat_id, tz_offset, restrict_mode, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(chat_id) DO UPDATE SET
		tz_offset = excluded.tz_offset,
		restrict_mode = excluded.restrict_mode,
		updated_at = excluded.updated_at`

func (s *sqliteStore) GetChatConfig(ctx context.Context, chatID int64) (job.ChatConfig, bool, error) {
	var row chatRow
	err := s.db.GetContext(ctx, &row,
		`SELECT chat_id, tz_offset, restrict_mode, updated_at FROM chat_configs WHERE chat_id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ChatConfig{}, false, nil
	}
	if err != nil {
		return job.ChatConfig{}, false, errors.Wrap(err, "get chat config")
	}
	return job.ChatConfig{
		ChatID:       row.ChatID,
		TZOffset:     row.TZOffset,
		RestrictMode: job.RestrictMode(row.RestrictMode),
		UpdatedAt:    fromMillis(row.UpdatedAt),
	}, true, nil
}

func (s *sqliteStore) PutChatConfig(ctx context.Context, cfg job.ChatConfig) error {
	mode := cfg.RestrictMode
	if mode == "" {
		mode = job.RestrictNone
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin chat config")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, upsertChatSQL, cfg.ChatID, cfg.TZOffset, string(mode), toMillis(cfg.UpdatedAt)); err != nil {
		return errors.Wrap(err, "put chat config")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET restrict_mode = ? WHERE chat_id = ?`, string(mode), cfg.ChatID); err != nil {
		return errors.Wrap(err, "update job restrict mode")
	}
	return errors.Wrap(tx.Commit(), "commit chat config")
}

func (s *sqliteStore) DeleteChatConfig(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_configs WHERE chat_id = ?`, chatID)
	return errors.Wrap(err, "delete chat config")
}

func (s *sqliteStore) RescheduleChat(ctx context.Context, cfg job.ChatConfig, shift ShiftFunc) (int, error) {
	mode := cfg.RestrictMode
	if mode == "" {
		mode = job.RestrictNone
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin reschedule")
	}
	defer func() { _ = tx.Rollback() }()

	var rows []jobRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE chat_id = ? AND status = 'scheduled'`, cfg.ChatID); err != nil {
		return 0, errors.Wrap(err, "select chat jobs")
	}
	jobs, err := rowsToJobs(rows)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, j := range jobs {
		nj, err := shift(j)
		if err != nil {
			return 0, errors.Wrapf(err, "shift job %s", j.ID)
		}
		rec, err := job.EncodeRecurrence(nj.Recurrence)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET recurrence = ?, next_run_at = ?, updated_at = ? WHERE id = ? AND status = 'scheduled'`,
			string(rec), toMillis(nj.NextRunAt), toMillis(cfg.UpdatedAt), j.ID,
		); err != nil {
			return 0, errors.Wrap(err, "reschedule job")
		}
		changed++
	}

	if _, err := tx.ExecContext(ctx, upsertChatSQL, cfg.ChatID, cfg.TZOffset, string(mode), toMillis(cfg.UpdatedAt)); err != nil {
		return 0, errors.Wrap(err, "put chat config")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit reschedule")
	}
	return changed, nil
}

func (s *sqliteStore) IsWhitelisted(ctx context.Context, userID int64) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM whitelist WHERE user_id = ?`, userID); err != nil {
		return false, errors.Wrap(err, "check whitelist")
	}
	return n > 0, nil
}

func (s *sqliteStore) AddWhitelist(ctx context.Context, userID, addedBy int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO whitelist (user_id, added_by, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, addedBy, toMillis(at),
	)
	return errors.Wrap(err, "add whitelist")
}

func (s *sqliteStore) RemoveWhitelist(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE user_id = ?`, userID)
	return errors.Wrap(err, "remove whitelist")
}

func (s *sqliteStore) ListWhitelist(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM whitelist ORDER BY user_id`); err != nil {
		return nil, errors.Wrap(err, "list whitelist")
	}
	return ids, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (at, actor_id, chat_id, job_id, action, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.ActorID, e.ChatID, nullStr(e.JobID), e.Action, nullStr(e.Detail),
	)
	return errors.Wrap(err, "append audit")
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup (key, until) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return errors.Wrap(err, "put dedup")
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.GetContext(ctx, &ms, `SELECT until FROM dedup WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "get dedup")
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
