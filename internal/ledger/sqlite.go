package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"holon/internal/db"
	"holon/internal/migrate"
)

// SQLiteBackend stores events in ledger_events. Triggers abort any UPDATE or DELETE.
type SQLiteBackend struct {
	DB *sql.DB
}

// OpenSQLite opens the workspace database and applies migrations.
func OpenSQLite(ctx context.Context, workspace string) (*SQLiteBackend, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteBackend{DB: conn}, nil
}

func (b *SQLiteBackend) Append(ctx context.Context, ev Event) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO ledger_events(seq,schema_version,event_type,ts,run_id,agent_id,git_branch,git_head,git_dirty,intent_id,payload_json) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.Seq, ev.SchemaVersion, string(ev.Type), ev.TS.UTC().Format(time.RFC3339Nano), ev.RunID, ev.AgentID,
		ev.Git.Branch, ev.Git.Head, boolToInt(ev.Git.Dirty), nullable(ev.IntentID()), string(ev.Payload))
	if err != nil {
		return fmt.Errorf("insert event seq %d: %w", ev.Seq, err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]Event, error) {
	rows, err := b.DB.QueryContext(ctx, `SELECT seq,schema_version,event_type,ts,run_id,agent_id,git_branch,git_head,git_dirty,payload_json FROM ledger_events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev      Event
			typ, ts string
			dirty   int
			payload string
		)
		if err := rows.Scan(&ev.Seq, &ev.SchemaVersion, &typ, &ts, &ev.RunID, &ev.AgentID, &ev.Git.Branch, &ev.Git.Head, &dirty, &payload); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event seq %d: parse ts: %w", ev.Seq, err)
		}
		ev.Type = EventType(typ)
		ev.TS = parsed
		ev.Git.Dirty = dirty != 0
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
