package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/lynexus/lynexus-agent/internal/llm"
)

// redactedPrefix marks an API key echoed back by Settings.Redacted.
// Updates carrying it keep the stored key.
const redactedPrefix = "****"

// SQLiteStore keeps conversations in a SQLite database. All public
// methods are safe for concurrent use (SQLite serializes writes).
type SQLiteStore struct {
	db       *sql.DB
	sealer   *Sealer
	defaults Settings
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the conversation database at path.
// driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
// defaults seeds new conversations; its APIKey is used by any
// conversation without a key of its own.
func Open(driver, path string, sealer *Sealer, defaults Settings) (*SQLiteStore, error) {
	dsn, err := dataSource(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	s := &SQLiteStore{db: db, sealer: sealer, defaults: defaults}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return s, nil
}

func dataSource(driver, path string) (string, error) {
	switch driver {
	case "sqlite3":
		return path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case "sqlite":
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", driver)
	}
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		settings   TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS transcript (
		conversation_id TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	);

	CREATE TABLE IF NOT EXISTS display_messages (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		type            TEXT NOT NULL,
		content         TEXT NOT NULL,
		run_id          TEXT,
		failed          INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_display_conversation ON display_messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// Create starts a new conversation seeded with the default settings.
// An empty title becomes "New conversation".
func (s *SQLiteStore) Create(ctx context.Context, title string) (Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Conversation{}, fmt.Errorf("generate conversation ID: %w", err)
	}
	return s.CreateWithID(ctx, id.String(), title)
}

// CreateWithID is Create with a caller-chosen ID.
func (s *SQLiteStore) CreateWithID(ctx context.Context, id, title string) (Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = "New conversation"
	}
	settings := s.defaults
	settings.APIKey = ""
	blob, err := json.Marshal(settings)
	if err != nil {
		return Conversation{}, fmt.Errorf("encode settings: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, title, string(blob), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation %s: %w", id, err)
	}
	return Conversation{ID: id, Title: title, CreatedAt: now.UTC(), UpdatedAt: now.UTC()}, nil
}

// Get returns one conversation.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.title, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM display_messages d WHERE d.conversation_id = c.id)
		 FROM conversations c WHERE c.id = ?`, id,
	).Scan(&c.ID, &c.Title, &created, &updated, &c.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
	return c, nil
}

// List returns every conversation, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM display_messages d WHERE d.conversation_id = c.id)
		 FROM conversations c ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		var c Conversation
		var created, updated string
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Rename changes a conversation's title.
func (s *SQLiteStore) Rename(ctx context.Context, id, title string) error {
	if strings.TrimSpace(title) == "" {
		return errors.New("title must not be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("rename conversation %s: %w", id, err)
	}
	return requireRow(res)
}

// Delete removes a conversation and everything stored for it.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := deleteMessages(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearMessages empties a conversation's transcript and display log,
// keeping its settings.
func (s *SQLiteStore) ClearMessages(ctx context.Context, id string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()
	if err := deleteMessages(ctx, tx, id); err != nil {
		return err
	}
	if err := touch(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteMessages(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete transcript %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM display_messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete display messages %s: %w", id, err)
	}
	return nil
}

// Settings returns a conversation's settings with the API key unsealed.
// Conversations without their own key or endpoint use the defaults.
func (s *SQLiteStore) Settings(ctx context.Context, id string) (Settings, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM conversations WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get settings %s: %w", id, err)
	}

	var st Settings
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", id, err)
	}
	key, err := s.sealer.Open(st.APIKey)
	if err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", id, err)
	}
	st.APIKey = key
	if st.APIKey == "" {
		st.APIKey = s.defaults.APIKey
	}
	if st.APIBase == "" {
		st.APIBase = s.defaults.APIBase
	}
	return st, nil
}

// UpdateSettings validates and stores new settings. An APIKey that is
// empty or still redacted keeps the stored key.
func (s *SQLiteStore) UpdateSettings(ctx context.Context, id string, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}

	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM conversations WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get settings %s: %w", id, err)
	}

	if st.APIKey == "" || strings.HasPrefix(st.APIKey, redactedPrefix) {
		var prev Settings
		if err := json.Unmarshal([]byte(blob), &prev); err != nil {
			return fmt.Errorf("decode settings %s: %w", id, err)
		}
		st.APIKey = prev.APIKey
	} else {
		sealed, err := s.sealer.Seal(st.APIKey)
		if err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		st.APIKey = sealed
	}

	out, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET settings = ?, updated_at = ? WHERE id = ?`,
		string(out), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update settings %s: %w", id, err)
	}
	return nil
}

// History returns the stored model transcript.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]llm.Message, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM transcript WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", id, err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan history %s: %w", id, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveHistory replaces the stored transcript with msgs.
func (s *SQLiteStore) SaveHistory(ctx context.Context, id string, msgs []llm.Message) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save history: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("clear history %s: %w", id, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transcript (conversation_id, seq, role, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()
	for i, m := range msgs {
		if _, err := stmt.ExecContext(ctx, id, i, m.Role, m.Content); err != nil {
			return fmt.Errorf("save history %s: %w", id, err)
		}
	}
	if err := touch(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendDisplay adds a display message. Empty ID and CreatedAt are
// filled in.
func (s *SQLiteStore) AppendDisplay(ctx context.Context, id string, m DisplayMessage) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	if m.ID == "" {
		uid, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate message ID: %w", err)
		}
		m.ID = uid.String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	failed := 0
	if m.Failed {
		failed = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO display_messages (id, conversation_id, type, content, run_id, failed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, id, string(m.Type), m.Content, m.RunID, failed, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append display message %s: %w", id, err)
	}
	if err := touch(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Display returns a conversation's display messages in order.
func (s *SQLiteStore) Display(ctx context.Context, id string) ([]DisplayMessage, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, COALESCE(run_id, ''), failed, created_at
		 FROM display_messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load display messages %s: %w", id, err)
	}
	defer rows.Close()

	out := []DisplayMessage{}
	for rows.Next() {
		var m DisplayMessage
		var typ, created string
		var failed int
		if err := rows.Scan(&m.ID, &typ, &m.Content, &m.RunID, &failed, &created); err != nil {
			return nil, fmt.Errorf("scan display message: %w", err)
		}
		m.Type = DisplayType(typ)
		m.Failed = failed != 0
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune deletes conversations not updated since before. It returns the
// number removed.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE updated_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("find stale conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale conversation: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Stats reports row counts for the status endpoint.
func (s *SQLiteStore) Stats(ctx context.Context) (conversations, messages int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM conversations), (SELECT COUNT(*) FROM display_messages)`,
	).Scan(&conversations, &messages)
	if err != nil {
		return 0, 0, fmt.Errorf("store stats: %w", err)
	}
	return conversations, messages, nil
}

func (s *SQLiteStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup conversation %s: %w", id, err)
	}
	return nil
}

func touch(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
