package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS courses (
	id         TEXT PRIMARY KEY,
	teacher_id TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS modules (
	id           TEXT PRIMARY KEY,
	course_id    TEXT NOT NULL REFERENCES courses(id),
	title        TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMP NOT NULL,
	status       TEXT NOT NULL DEFAULT 'programado'
);
CREATE TABLE IF NOT EXISTS profiles (
	id        TEXT PRIMARY KEY,
	full_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	module_id    TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	message_text TEXT NOT NULL,
	sent_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_module ON chat_messages (module_id, sent_at, id);
`

var _ core.Stores = (*SQLite)(nil)

// SQLite is the durable store. It holds a single connection, which also keeps
// an in-memory database alive.
type SQLite struct {
	db      *sqlx.DB
	publish InsertPublisher

	// insertMu keeps insert order and broadcast order the same.
	insertMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, publish InsertPublisher) (*SQLite, error) {
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Str("module", "store.sqlite").Str("path", path).Msg("database ready")
	return &SQLite{db: db, publish: publish}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	return err
}

func (s *SQLite) PutCourse(ctx context.Context, c domain.Course) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO courses (id, teacher_id, title) VALUES (:id, :teacher_id, :title)
		 ON CONFLICT(id) DO UPDATE SET teacher_id = excluded.teacher_id, title = excluded.title`, c)
	return err
}

func (s *SQLite) PutModule(ctx context.Context, m domain.Module) error {
	if m.Status == "" {
		m.Status = domain.ModuleScheduled
	}
	m.ScheduledAt = m.ScheduledAt.UTC()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO modules (id, course_id, title, scheduled_at, status) VALUES (:id, :course_id, :title, :scheduled_at, :status)
		 ON CONFLICT(id) DO UPDATE SET course_id = excluded.course_id, title = excluded.title,
		 scheduled_at = excluded.scheduled_at, status = excluded.status`, m)
	return err
}

func (s *SQLite) PutProfile(ctx context.Context, u domain.User) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO profiles (id, full_name) VALUES (:id, :full_name)
		 ON CONFLICT(id) DO UPDATE SET full_name = excluded.full_name`, u)
	return err
}

func (s *SQLite) ModuleOwnerCourse(ctx context.Context, id domain.ModuleID) (domain.CourseID, error) {
	var course domain.CourseID
	err := s.db.GetContext(ctx, &course, `SELECT course_id FROM modules WHERE id = ?`, id)
	return course, notFound(err)
}

func (s *SQLite) CourseTeacher(ctx context.Context, id domain.CourseID) (domain.UserID, error) {
	var teacher domain.UserID
	err := s.db.GetContext(ctx, &teacher, `SELECT teacher_id FROM courses WHERE id = ?`, id)
	return teacher, notFound(err)
}

func (s *SQLite) GetModule(ctx context.Context, id domain.ModuleID) (*domain.Module, error) {
	var m domain.Module
	err := s.db.GetContext(ctx, &m, `SELECT id, course_id, title, scheduled_at, status FROM modules WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *SQLite) SetModuleStatus(ctx context.Context, id domain.ModuleID, status domain.ModuleStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE modules SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *SQLite) GetProfile(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var u domain.User
	if err := s.db.GetContext(ctx, &u, `SELECT id, full_name FROM profiles WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *SQLite) History(ctx context.Context, id domain.ModuleID) ([]domain.ChatMessage, error) {
	msgs := []domain.ChatMessage{}
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT m.id, m.module_id, m.sender_id, m.message_text, m.sent_at, COALESCE(p.full_name, '') AS sender_name
		 FROM chat_messages m LEFT JOIN profiles p ON p.id = m.sender_id
		 WHERE m.module_id = ?
		 ORDER BY m.sent_at ASC, m.id ASC`, id)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *SQLite) Insert(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	msg.SentAt = msg.SentAt.UTC()
	msg.SenderName = ""
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO chat_messages (module_id, sender_id, message_text, sent_at)
		 VALUES (:module_id, :sender_id, :message_text, :sent_at)`, msg)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg.ID = domain.MessageID(id)

	if s.publish != nil {
		s.publish(msg)
	}
	log.Debug().Str("module", "store.sqlite").Str("session", string(msg.SessionID)).Int64("id", id).Msg("message stored")
	return msg, nil
}
