package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coldwire/gateway/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) a durable SQLite-backed
// repository at dbPath. WAL journaling, synchronous=NORMAL, foreign_keys,
// and a 5s busy_timeout are set as required by the gateway's durability
// knobs.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite allows one writer; serialize through the pool
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS conv_events (
		conv_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		msg_id TEXT NOT NULL,
		env BLOB NOT NULL,
		ts_ms INTEGER NOT NULL,
		origin_gateway TEXT NOT NULL,
		PRIMARY KEY (conv_id, seq),
		UNIQUE (conv_id, msg_id)
	);

	CREATE TABLE IF NOT EXISTS conv_seq (
		conv_id TEXT PRIMARY KEY,
		next_seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cursors (
		device_id TEXT NOT NULL,
		conv_id TEXT NOT NULL,
		next_seq INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, conv_id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		conv_id TEXT PRIMARY KEY,
		conv_home TEXT NOT NULL,
		kind TEXT NOT NULL,
		owner TEXT,
		admins_json TEXT NOT NULL DEFAULT '[]',
		members_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_token TEXT PRIMARY KEY,
		resume_token TEXT UNIQUE NOT NULL,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		revoked_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS keypackages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		blob BLOB NOT NULL,
		content_sum TEXT NOT NULL,
		served INTEGER NOT NULL DEFAULT 0,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (device_id, content_sum)
	);
	CREATE INDEX IF NOT EXISTS idx_keypackages_user_unserved ON keypackages(user_id, served, revoked);

	CREATE TABLE IF NOT EXISTS presence_leases (
		device_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		invisible INTEGER NOT NULL DEFAULT 0,
		allowlist_json TEXT NOT NULL DEFAULT '[]',
		last_change INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_presence_user ON presence_leases(user_id);

	CREATE TABLE IF NOT EXISTS watchlists (
		watcher_user_id TEXT PRIMARY KEY,
		targets_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS blocklists (
		user_id TEXT NOT NULL,
		blocked_user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, blocked_user_id)
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

// AppendEvent implements the atomic allocate-and-insert transaction from
// the storage engine spec: read-or-create next_seq, insert subject to the
// (conv_id, msg_id) uniqueness constraint, then increment next_seq by
// exactly one. A uniqueness conflict aborts the insert and returns the
// prior event's seq with isNew=false; no fan-out should follow.
func (s *SQLiteStore) AppendEvent(ctx context.Context, convID, msgID string, env []byte, tsMillis uint64, originGateway string) (uint64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO conv_seq(conv_id, next_seq) VALUES (?, 1) ON CONFLICT(conv_id) DO NOTHING`, convID); err != nil {
		return 0, false, fmt.Errorf("ensure seq row: %w", err)
	}

	var nextSeq uint64
	if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM conv_seq WHERE conv_id = ?`, convID).Scan(&nextSeq); err != nil {
		return 0, false, fmt.Errorf("read seq: %w", err)
	}

	_, insertErr := tx.ExecContext(ctx,
		`INSERT INTO conv_events(conv_id, seq, msg_id, env, ts_ms, origin_gateway) VALUES (?, ?, ?, ?, ?, ?)`,
		convID, nextSeq, msgID, env, tsMillis, originGateway)
	if insertErr != nil {
		if isUniqueConstraintError(insertErr) {
			// Idempotent retry: the prior insert (possibly from another
			// request racing us) already holds this msg_id. Look it up
			// outside this transaction once it's rolled back.
			_ = tx.Rollback()
			existingSeq, ok, findErr := s.findSeqByMsgID(ctx, convID, msgID)
			if findErr != nil {
				return 0, false, findErr
			}
			if !ok {
				return 0, false, fmt.Errorf("append event: unique conflict but no existing row for msg_id=%q", msgID)
			}
			return existingSeq, false, nil
		}
		return 0, false, fmt.Errorf("insert event: %w", insertErr)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conv_seq SET next_seq = next_seq + 1 WHERE conv_id = ?`, convID); err != nil {
		return 0, false, fmt.Errorf("advance seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit append: %w", err)
	}

	return nextSeq, true, nil
}

func (s *SQLiteStore) findSeqByMsgID(ctx context.Context, convID, msgID string) (uint64, bool, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM conv_events WHERE conv_id = ? AND msg_id = ?`, convID, msgID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find seq by msg_id: %w", err)
	}
	return seq, true, nil
}

// ReplayEvents returns events for convID with seq >= fromSeq in ascending
// order, bounded to limit rows (0 means unbounded).
func (s *SQLiteStore) ReplayEvents(ctx context.Context, convID string, fromSeq uint64, limit int) ([]domain.Event, error) {
	query := `SELECT conv_id, seq, msg_id, env, ts_ms, origin_gateway FROM conv_events WHERE conv_id = ? AND seq >= ? ORDER BY seq ASC`
	args := []interface{}{convID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ConvID, &e.Seq, &e.MsgID, &e.Env, &e.TSMillis, &e.OriginGateway); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EarliestRetainedSeq returns the smallest seq currently retained for convID.
func (s *SQLiteStore) EarliestRetainedSeq(ctx context.Context, convID string) (uint64, bool, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(seq) FROM conv_events WHERE conv_id = ?`, convID).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("earliest retained seq: %w", err)
	}
	if !seq.Valid {
		return 0, false, nil // MIN() over no rows is NULL
	}
	return uint64(seq.Int64), true, nil
}

// LatestSeq returns the largest seq currently retained for convID.
func (s *SQLiteStore) LatestSeq(ctx context.Context, convID string) (uint64, bool, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM conv_events WHERE conv_id = ?`, convID).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("latest seq: %w", err)
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return uint64(seq.Int64), true, nil
}

// PruneEventsBelow deletes events with seq < keepFromSeq for convID.
func (s *SQLiteStore) PruneEventsBelow(ctx context.Context, convID string, keepFromSeq uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conv_events WHERE conv_id = ? AND seq < ?`, convID, keepFromSeq)
	if err != nil {
		return 0, fmt.Errorf("prune events below: %w", err)
	}
	return res.RowsAffected()
}

// PruneEventsOlderThan deletes events with ts_ms < cutoffMillis for convID.
func (s *SQLiteStore) PruneEventsOlderThan(ctx context.Context, convID string, cutoffMillis uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conv_events WHERE conv_id = ? AND ts_ms < ?`, convID, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("prune events older than: %w", err)
	}
	return res.RowsAffected()
}

// PruneEventsOlderThanBelow deletes events with ts_ms < cutoffMillis AND
// seq <= maxSeq for convID.
func (s *SQLiteStore) PruneEventsOlderThanBelow(ctx context.Context, convID string, cutoffMillis, maxSeq uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conv_events WHERE conv_id = ? AND ts_ms < ? AND seq <= ?`, convID, cutoffMillis, maxSeq)
	if err != nil {
		return 0, fmt.Errorf("prune events older than below: %w", err)
	}
	return res.RowsAffected()
}

// PruneEventsOverCap keeps only the newest maxEvents rows (by seq) for convID.
func (s *SQLiteStore) PruneEventsOverCap(ctx context.Context, convID string, maxEvents int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conv_events
		WHERE conv_id = ? AND seq NOT IN (
			SELECT seq FROM conv_events WHERE conv_id = ? ORDER BY seq DESC LIMIT ?
		)`, convID, convID, maxEvents)
	if err != nil {
		return 0, fmt.Errorf("prune events over cap: %w", err)
	}
	return res.RowsAffected()
}

// ListConvIDs returns every conversation id with a sequence counter.
func (s *SQLiteStore) ListConvIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conv_id FROM conv_seq`)
	if err != nil {
		return nil, fmt.Errorf("list conv ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conv id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCursor returns the stored cursor for (deviceID, convID), or ErrNotFound.
func (s *SQLiteStore) GetCursor(ctx context.Context, deviceID, convID string) (*domain.Cursor, error) {
	var c domain.Cursor
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT device_id, conv_id, next_seq, updated_at FROM cursors WHERE device_id = ? AND conv_id = ?`, deviceID, convID).
		Scan(&c.DeviceID, &c.ConvID, &c.NextSeq, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return &c, nil
}

// AckCursor advances the stored cursor to max(stored, seq+1). The cursor
// is created on first ack, defaulting the prior value to 1 per spec.
func (s *SQLiteStore) AckCursor(ctx context.Context, deviceID, convID string, seq uint64) (*domain.Cursor, error) {
	now := time.Now()
	newNext := seq + 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ack transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored uint64 = 1
	err = tx.QueryRowContext(ctx, `SELECT next_seq FROM cursors WHERE device_id = ? AND conv_id = ?`, deviceID, convID).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	if newNext < stored {
		newNext = stored
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursors(device_id, conv_id, next_seq, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, conv_id) DO UPDATE SET next_seq = excluded.next_seq, updated_at = excluded.updated_at`,
		deviceID, convID, newNext, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("upsert cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ack: %w", err)
	}

	return &domain.Cursor{DeviceID: deviceID, ConvID: convID, NextSeq: newNext, UpdatedAt: now}, nil
}

// ListCursorsForDevice returns every conversation cursor for a device.
func (s *SQLiteStore) ListCursorsForDevice(ctx context.Context, deviceID string) ([]domain.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, conv_id, next_seq, updated_at FROM cursors WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []domain.Cursor
	for rows.Next() {
		var c domain.Cursor
		var updatedAt int64
		if err := rows.Scan(&c.DeviceID, &c.ConvID, &c.NextSeq, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.UpdatedAt = time.UnixMilli(updatedAt)
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// MinActiveNextSeq returns the minimum NextSeq among cursors considered
// active. See the Repository doc comment for the no-rows default.
func (s *SQLiteStore) MinActiveNextSeq(ctx context.Context, convID string, staleAfter time.Duration) (uint64, bool, error) {
	var query string
	var args []interface{}
	if staleAfter <= 0 {
		query = `SELECT MIN(next_seq) FROM cursors WHERE conv_id = ?`
		args = []interface{}{convID}
	} else {
		cutoff := time.Now().Add(-staleAfter).UnixMilli()
		query = `SELECT MIN(next_seq) FROM cursors WHERE conv_id = ? AND updated_at >= ?`
		args = []interface{}{convID, cutoff}
	}

	var minSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&minSeq); err != nil {
		return 0, false, fmt.Errorf("min active next seq: %w", err)
	}
	if !minSeq.Valid {
		// No cursor has ever been created (or none are active under the
		// staleness window): nothing has acked yet, so SAFE mode must
		// assume the whole log is unread.
		return 1, true, nil
	}
	return uint64(minSeq.Int64), true, nil
}

// GetConversation returns the conversation, or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (*domain.Conversation, error) {
	var c domain.Conversation
	var owner sql.NullString
	var adminsJSON, membersJSON string
	var createdAt int64

	err := s.db.QueryRowContext(ctx, `SELECT conv_id, conv_home, kind, owner, admins_json, members_json, created_at FROM conversations WHERE conv_id = ?`, convID).
		Scan(&c.ConvID, &c.ConvHome, &c.Kind, &owner, &adminsJSON, &membersJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	c.Owner = owner.String
	if err := json.Unmarshal([]byte(adminsJSON), &c.Admins); err != nil {
		return nil, fmt.Errorf("decode admins: %w", err)
	}
	if err := json.Unmarshal([]byte(membersJSON), &c.Members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	return &c, nil
}

// UpsertConversation creates or replaces a conversation's membership record.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *domain.Conversation) error {
	adminsJSON, err := json.Marshal(conv.Admins)
	if err != nil {
		return fmt.Errorf("encode admins: %w", err)
	}
	membersJSON, err := json.Marshal(conv.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}

	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations(conv_id, conv_home, kind, owner, admins_json, members_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			conv_home = excluded.conv_home,
			kind = excluded.kind,
			owner = excluded.owner,
			admins_json = excluded.admins_json,
			members_json = excluded.members_json`,
		conv.ConvID, conv.ConvHome, conv.Kind, nullIfEmpty(conv.Owner), string(adminsJSON), string(membersJSON), createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(session_token, resume_token, device_id, user_id, expires_at, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		sess.SessionToken, sess.ResumeToken, sess.DeviceID, sess.UserID, sess.ExpiresAt.UnixMilli(), sess.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var s domain.Session
	var expiresAt, createdAt int64
	var revokedAt sql.NullInt64

	err := row.Scan(&s.SessionToken, &s.ResumeToken, &s.DeviceID, &s.UserID, &expiresAt, &createdAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.ExpiresAt = time.UnixMilli(expiresAt)
	s.CreatedAt = time.UnixMilli(createdAt)
	if revokedAt.Valid {
		t := time.UnixMilli(revokedAt.Int64)
		s.RevokedAt = &t
	}
	return &s, nil
}

const sessionColumns = `session_token, resume_token, device_id, user_id, expires_at, created_at, revoked_at`

// GetSessionByToken returns the session for a session_token, or ErrNotFound.
func (s *SQLiteStore) GetSessionByToken(ctx context.Context, sessionToken string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_token = ?`, sessionToken)
	return scanSession(row)
}

// GetSessionByResumeToken returns the session for a resume_token, or ErrNotFound.
func (s *SQLiteStore) GetSessionByResumeToken(ctx context.Context, resumeToken string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE resume_token = ?`, resumeToken)
	return scanSession(row)
}

// RotateResumeToken implements single-use resume: it replaces the session's
// session_token and resume_token in one transaction, failing with
// ErrConflict if oldResumeToken was already rotated away by a concurrent
// resume.
func (s *SQLiteStore) RotateResumeToken(ctx context.Context, oldResumeToken, newSessionToken, newResumeToken string, expiresAt time.Time) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotate transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deviceID, userID string
	var revokedAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT device_id, user_id, revoked_at FROM sessions WHERE resume_token = ?`, oldResumeToken).
		Scan(&deviceID, &userID, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("read session for rotate: %w", err)
	}
	if revokedAt.Valid {
		return nil, ErrConflict
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET session_token = ?, resume_token = ?, expires_at = ?
		WHERE resume_token = ? AND revoked_at IS NULL`,
		newSessionToken, newResumeToken, expiresAt.UnixMilli(), oldResumeToken)
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rotate rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotate: %w", err)
	}

	return &domain.Session{
		SessionToken: newSessionToken,
		ResumeToken:  newResumeToken,
		DeviceID:     deviceID,
		UserID:       userID,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}, nil
}

// RevokeSessionByToken tombstones one session.
func (s *SQLiteStore) RevokeSessionByToken(ctx context.Context, sessionToken string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = ? WHERE session_token = ? AND revoked_at IS NULL`, time.Now().UnixMilli(), sessionToken)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeSessionsForDevice tombstones every session bound to a device.
func (s *SQLiteStore) RevokeSessionsForDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = ? WHERE device_id = ? AND revoked_at IS NULL`, time.Now().UnixMilli(), deviceID)
	if err != nil {
		return fmt.Errorf("revoke sessions for device: %w", err)
	}
	return nil
}

// RevokeSessionsForUser tombstones every session for every device of a user.
func (s *SQLiteStore) RevokeSessionsForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`, time.Now().UnixMilli(), userID)
	if err != nil {
		return fmt.Errorf("revoke sessions for user: %w", err)
	}
	return nil
}

// ListSessionsForUser returns every non-revoked session for a user.
func (s *SQLiteStore) ListSessionsForUser(ctx context.Context, userID string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND revoked_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var expiresAt, createdAt int64
		var revokedAt sql.NullInt64
		if err := rows.Scan(&sess.SessionToken, &sess.ResumeToken, &sess.DeviceID, &sess.UserID, &expiresAt, &createdAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.ExpiresAt = time.UnixMilli(expiresAt)
		sess.CreatedAt = time.UnixMilli(createdAt)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetUserIDForDevice resolves deviceID's owning user from its most recent
// session row, revoked or not: a device's user identity outlives any one
// session's lifetime.
func (s *SQLiteStore) GetUserIDForDevice(ctx context.Context, deviceID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE device_id = ? ORDER BY created_at DESC LIMIT 1`, deviceID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user for device: %w", err)
	}
	return userID, nil
}

func contentSum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// PublishKeyPackages persists blobs for a device, rejecting duplicates by
// content hash and enforcing a per-device pool cap.
func (s *SQLiteStore) PublishKeyPackages(ctx context.Context, deviceID, userID string, blobs [][]byte, poolCap int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin publish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM keypackages WHERE device_id = ? AND served = 0 AND revoked = 0`, deviceID).Scan(&current); err != nil {
		return 0, fmt.Errorf("count pool: %w", err)
	}

	accepted := 0
	now := time.Now().UnixMilli()
	for _, blob := range blobs {
		if poolCap > 0 && current+accepted >= poolCap {
			break
		}
		sum := contentSum(blob)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO keypackages(device_id, user_id, blob, content_sum, served, revoked, created_at)
			VALUES (?, ?, ?, ?, 0, 0, ?)
			ON CONFLICT(device_id, content_sum) DO NOTHING`,
			deviceID, userID, blob, sum, now)
		if err != nil {
			return 0, fmt.Errorf("insert keypackage: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("publish rows affected: %w", err)
		}
		if n > 0 {
			accepted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit publish: %w", err)
	}
	return accepted, nil
}

// FetchKeyPackages returns up to count unconsumed, unrevoked blobs for
// userID, marking them served so they are never returned again.
func (s *SQLiteStore) FetchKeyPackages(ctx context.Context, userID string, count int) ([]domain.KeyPackage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fetch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, device_id, user_id, blob, content_sum, created_at
		FROM keypackages WHERE user_id = ? AND served = 0 AND revoked = 0
		ORDER BY id ASC LIMIT ?`, userID, count)
	if err != nil {
		return nil, fmt.Errorf("select keypackages: %w", err)
	}

	var packages []domain.KeyPackage
	for rows.Next() {
		var kp domain.KeyPackage
		var createdAt int64
		if err := rows.Scan(&kp.ID, &kp.DeviceID, &kp.UserID, &kp.Blob, &kp.ContentSum, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan keypackage: %w", err)
		}
		kp.CreatedAt = time.UnixMilli(createdAt)
		kp.Served = true
		packages = append(packages, kp)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, kp := range packages {
		if _, err := tx.ExecContext(ctx, `UPDATE keypackages SET served = 1 WHERE id = ?`, kp.ID); err != nil {
			return nil, fmt.Errorf("mark served: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fetch: %w", err)
	}
	return packages, nil
}

// RotateKeyPackages marks a device's current pool revoked (best-effort —
// already-served blobs stay served) and stores replacements subject to the
// same dedupe and pool-cap rules as publish.
func (s *SQLiteStore) RotateKeyPackages(ctx context.Context, deviceID, userID string, revoke bool, replacements [][]byte, poolCap int) (int, error) {
	if revoke {
		if _, err := s.db.ExecContext(ctx, `UPDATE keypackages SET revoked = 1 WHERE device_id = ? AND served = 0`, deviceID); err != nil {
			return 0, fmt.Errorf("revoke keypackages: %w", err)
		}
	}
	return s.PublishKeyPackages(ctx, deviceID, userID, replacements, poolCap)
}

// UpsertLease creates or updates a device's presence lease.
func (s *SQLiteStore) UpsertLease(ctx context.Context, lease *domain.PresenceLease) error {
	allowlistJSON, err := json.Marshal(lease.Allowlist)
	if err != nil {
		return fmt.Errorf("encode allowlist: %w", err)
	}
	lastChange := lease.LastChange
	if lastChange.IsZero() {
		lastChange = time.Now()
	}

	invisible := 0
	if lease.Invisible {
		invisible = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presence_leases(device_id, user_id, status, expires_at, invisible, allowlist_json, last_change)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			expires_at = excluded.expires_at,
			invisible = excluded.invisible,
			allowlist_json = excluded.allowlist_json,
			last_change = excluded.last_change`,
		lease.DeviceID, lease.UserID, lease.Status, lease.ExpiresAt.UnixMilli(), invisible, string(allowlistJSON), lastChange.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert lease: %w", err)
	}
	return nil
}

// GetLease returns a device's presence lease, or ErrNotFound.
func (s *SQLiteStore) GetLease(ctx context.Context, deviceID string) (*domain.PresenceLease, error) {
	var lease domain.PresenceLease
	var expiresAt, lastChange int64
	var invisible int
	var allowlistJSON string

	err := s.db.QueryRowContext(ctx, `SELECT device_id, user_id, status, expires_at, invisible, allowlist_json, last_change FROM presence_leases WHERE device_id = ?`, deviceID).
		Scan(&lease.DeviceID, &lease.UserID, &lease.Status, &expiresAt, &invisible, &allowlistJSON, &lastChange)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}

	lease.ExpiresAt = time.UnixMilli(expiresAt)
	lease.Invisible = invisible != 0
	lease.LastChange = time.UnixMilli(lastChange)
	if err := json.Unmarshal([]byte(allowlistJSON), &lease.Allowlist); err != nil {
		return nil, fmt.Errorf("decode allowlist: %w", err)
	}
	return &lease, nil
}

// SetWatchlist replaces a watcher's bounded target set.
func (s *SQLiteStore) SetWatchlist(ctx context.Context, watcherUserID string, targets []string, cap int) error {
	if cap > 0 && len(targets) > cap {
		targets = targets[:cap]
	}
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watchlists(watcher_user_id, targets_json) VALUES (?, ?)
		ON CONFLICT(watcher_user_id) DO UPDATE SET targets_json = excluded.targets_json`,
		watcherUserID, string(targetsJSON))
	if err != nil {
		return fmt.Errorf("set watchlist: %w", err)
	}
	return nil
}

// GetWatchlist returns a watcher's target set, or an empty watchlist if
// none has been set.
func (s *SQLiteStore) GetWatchlist(ctx context.Context, watcherUserID string) (*domain.Watchlist, error) {
	var targetsJSON string
	err := s.db.QueryRowContext(ctx, `SELECT targets_json FROM watchlists WHERE watcher_user_id = ?`, watcherUserID).Scan(&targetsJSON)
	if err == sql.ErrNoRows {
		return &domain.Watchlist{WatcherUserID: watcherUserID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watchlist: %w", err)
	}

	w := &domain.Watchlist{WatcherUserID: watcherUserID}
	if err := json.Unmarshal([]byte(targetsJSON), &w.Targets); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	return w, nil
}

// ListWatchersOf returns every watcher_user_id whose watchlist currently
// contains targetUserID. Watchlists are bounded (see maxWatchTargets in
// the presence service), so a full scan plus in-process membership check
// is sufficient at this scale.
func (s *SQLiteStore) ListWatchersOf(ctx context.Context, targetUserID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT watcher_user_id, targets_json FROM watchlists`)
	if err != nil {
		return nil, fmt.Errorf("list watchers of: %w", err)
	}
	defer rows.Close()

	var watchers []string
	for rows.Next() {
		var watcherUserID, targetsJSON string
		if err := rows.Scan(&watcherUserID, &targetsJSON); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		var targets []string
		if err := json.Unmarshal([]byte(targetsJSON), &targets); err != nil {
			return nil, fmt.Errorf("decode targets: %w", err)
		}
		for _, t := range targets {
			if t == targetUserID {
				watchers = append(watchers, watcherUserID)
				break
			}
		}
	}
	return watchers, rows.Err()
}

// IsMutualWatch reports whether both watcherUserID watches targetUserID and
// targetUserID watches watcherUserID back.
func (s *SQLiteStore) IsMutualWatch(ctx context.Context, watcherUserID, targetUserID string) (bool, error) {
	forward, err := s.GetWatchlist(ctx, watcherUserID)
	if err != nil {
		return false, err
	}
	if !forward.Contains(targetUserID) {
		return false, nil
	}
	backward, err := s.GetWatchlist(ctx, targetUserID)
	if err != nil {
		return false, err
	}
	return backward.Contains(watcherUserID), nil
}

// IsBlocked reports whether userID has blocked otherUserID.
func (s *SQLiteStore) IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blocklists WHERE user_id = ? AND blocked_user_id = ?`, userID, otherUserID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is blocked: %w", err)
	}
	return true, nil
}

// BlockUser records that userID has blocked blockedUserID. Idempotent.
func (s *SQLiteStore) BlockUser(ctx context.Context, userID, blockedUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocklists(user_id, blocked_user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, blocked_user_id) DO NOTHING`,
		userID, blockedUserID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}

// UnblockUser removes a block, if one exists. Idempotent.
func (s *SQLiteStore) UnblockUser(ctx context.Context, userID, blockedUserID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocklists WHERE user_id = ? AND blocked_user_id = ?`, userID, blockedUserID)
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
