package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"joinguard/internal/analytics"
	"joinguard/internal/verify"
	logx "joinguard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RequiredChannels(ctx context.Context, groupID int64) ([]verify.RequiredChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.ref, c.title, c.invite_link
		   FROM group_channels gc
		   JOIN groups g ON g.id = gc.group_id
		   JOIN channels c ON c.ref = gc.channel_ref
		  WHERE gc.group_id = ? AND g.active = 1
		  ORDER BY c.ref`,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []verify.RequiredChannel
	for rows.Next() {
		var ch verify.RequiredChannel
		if err := rows.Scan(&ch.Ref, &ch.Title, &ch.InviteLink); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GroupsRequiringChannel(ctx context.Context, channel string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id
		   FROM group_channels gc
		   JOIN groups g ON g.id = gc.group_id
		  WHERE gc.channel_ref = ? AND g.active = 1
		  ORDER BY g.id`,
		strings.ToLower(strings.TrimSpace(channel)),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, credential_sealed, active FROM tenants WHERE active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		var active int
		if err := rows.Scan(&t.ID, &t.BotID, &t.SealedCredential, &active); err != nil {
			return nil, err
		}
		t.Active = active != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertOutcomes(ctx context.Context, batch []analytics.Outcome) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO outcomes(at, tenant_bot, kind, method, user_id, group_id, channel, result, cached, latency_ms, error_kind)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
	)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, o := range batch {
		_, err := stmt.ExecContext(ctx,
			o.At.Format(time.RFC3339Nano), o.TenantBot, o.Kind, nullStr(o.Method),
			o.UserID, o.GroupID, nullStr(o.Channel), o.Result,
			boolInt(o.Cached), o.Latency.Milliseconds(), nullStr(o.ErrorKind),
		)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return err
		}
	}
	_ = stmt.Close()
	return tx.Commit()
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, groupID int64, title string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(id, title, active) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, active=excluded.active`,
		groupID, title, boolInt(active),
	)
	return err
}

func (s *sqliteStore) UpsertChannel(ctx context.Context, ref, title, inviteLink string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(ref, title, invite_link) VALUES(?,?,?)
		 ON CONFLICT(ref) DO UPDATE SET title=excluded.title, invite_link=excluded.invite_link`,
		strings.ToLower(strings.TrimSpace(ref)), title, inviteLink,
	)
	return err
}

func (s *sqliteStore) LinkGroupChannel(ctx context.Context, groupID int64, channelRef string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_channels(group_id, channel_ref) VALUES(?,?)`,
		groupID, strings.ToLower(strings.TrimSpace(channelRef)),
	)
	return err
}

func (s *sqliteStore) UpsertTenant(ctx context.Context, t Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(bot_id, credential_sealed, active) VALUES(?,?,?)
		 ON CONFLICT(bot_id) DO UPDATE SET credential_sealed=excluded.credential_sealed, active=excluded.active`,
		t.BotID, t.SealedCredential, boolInt(t.Active),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
