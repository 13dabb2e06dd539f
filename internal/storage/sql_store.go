package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // PostgreSQL driver
	"github.com/mohamedkhairy/chat-gateway/internal/config"
	"github.com/mohamedkhairy/chat-gateway/internal/models"
	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite" // SQLite driver
)

var (
	storeQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_store_queries_total",
			Help: "Total number of message store operations",
		},
		[]string{"operation", "status"},
	)

	storeQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_store_latency_seconds",
			Help:    "Message store operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_rooms (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		owner_id   TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_room_participants (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id          TEXT PRIMARY KEY,
		room_id     TEXT NOT NULL,
		author_id   TEXT NOT NULL,
		author_name TEXT NOT NULL DEFAULT '',
		content     TEXT NOT NULL,
		created_at  BIGINT NOT NULL,
		updated_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_room_created_idx ON chat_messages (room_id, created_at, id)`,
}

// SQLMessageStore implements MessageStore on database/sql. PostgreSQL is the
// production backend; SQLite serves local development and tests.
type SQLMessageStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewPostgresMessageStore opens a PostgreSQL backed store
func NewPostgresMessageStore(dbConfig config.DatabaseConfig) (*SQLMessageStore, error) {
	// Build connection string
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.Database,
		dbConfig.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(dbConfig.MaxConnections)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	store, err := openSQLMessageStore(db, dialectPostgres)
	if err != nil {
		return nil, err
	}

	logger.Info("PostgreSQL message store initialized",
		logger.String("host", dbConfig.Host),
		logger.Int("port", dbConfig.Port),
		logger.String("database", dbConfig.Database),
	)
	return store, nil
}

// NewSQLiteMessageStore opens a SQLite backed store at path (":memory:" for
// an ephemeral database)
func NewSQLiteMessageStore(path string) (*SQLMessageStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	store, err := openSQLMessageStore(db, dialectSQLite)
	if err != nil {
		return nil, err
	}

	logger.Info("SQLite message store initialized", logger.String("path", path))
	return store, nil
}

func openSQLMessageStore(db *sql.DB, d dialect) (*SQLMessageStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLMessageStore{db: db, dialect: d, now: time.Now}
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the tables the store needs if they are missing
func (s *SQLMessageStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the $n form PostgreSQL expects
func (s *SQLMessageStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// observe records metrics for one operation and classifies its error
func (s *SQLMessageStore) observe(operation string, start time.Time, err error) error {
	storeQueryLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		storeQueryTotal.WithLabelValues(operation, "error").Inc()
		return classifyError(operation, err)
	}
	storeQueryTotal.WithLabelValues(operation, "success").Inc()
	return nil
}

// classifyError marks infrastructure failures as transient. Errors that
// already carry a models class pass through untouched.
func classifyError(operation string, err error) error {
	for _, class := range []error{models.ErrForbidden, models.ErrNotFound, models.ErrValidation, models.ErrTransient} {
		if errors.Is(err, class) {
			return err
		}
	}
	if isTransient(err) {
		return fmt.Errorf("failed to %s: %w: %w", operation, models.ErrTransient, err)
	}
	return fmt.Errorf("failed to %s: %w", operation, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57": // connection exception, insufficient resources, operator intervention
			return true
		}
	}
	return false
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// CreateRoom inserts a room and its participants. The owner is always a participant.
func (s *SQLMessageStore) CreateRoom(ctx context.Context, room *models.Room, participants ...string) (err error) {
	start := time.Now()
	defer func() { err = s.observe("create_room", start, err) }()

	if err := models.ValidateRoomID(room.ID); err != nil {
		return err
	}
	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO chat_rooms (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`),
		room.ID, room.Name, room.OwnerID, toMicros(createdAt),
	); err != nil {
		return err
	}
	for _, userID := range append([]string{room.OwnerID}, participants...) {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO chat_room_participants (room_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`),
			room.ID, userID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddParticipant grants userID access to roomID
func (s *SQLMessageStore) AddParticipant(ctx context.Context, roomID string, userID string) (err error) {
	start := time.Now()
	defer func() { err = s.observe("add_participant", start, err) }()

	if _, err := s.getRoom(ctx, roomID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO chat_room_participants (room_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`),
		roomID, userID,
	)
	return err
}

func (s *SQLMessageStore) getRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	var createdAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, owner_id, created_at FROM chat_rooms WHERE id = ?`), roomID,
	).Scan(&room.ID, &room.Name, &room.OwnerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	room.CreatedAt = fromMicros(createdAt)
	return &room, nil
}

// authorizeParticipant returns the room when userID participates in it
func (s *SQLMessageStore) authorizeParticipant(ctx context.Context, roomID string, userID string) (*models.Room, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM chat_room_participants WHERE room_id = ? AND user_id = ?`), roomID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

const messageColumns = `id, room_id, author_id, author_name, content, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var createdAt, updatedAt int64
	if err := row.Scan(&msg.ID, &msg.RoomID, &msg.AuthorID, &msg.Author.Username, &msg.Content, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	msg.Author.UserID = msg.AuthorID
	msg.CreatedAt = fromMicros(createdAt)
	msg.UpdatedAt = fromMicros(updatedAt)
	return &msg, nil
}

func (s *SQLMessageStore) getMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMessageNotFound
	}
	return msg, err
}

func (s *SQLMessageStore) CreateMessage(ctx context.Context, author models.Identity, roomID string, content string) (msg *models.Message, err error) {
	start := time.Now()
	defer func() { err = s.observe("create_message", start, err) }()

	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	normalized, err := models.NormalizeContent(content)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeParticipant(ctx, roomID, author.UserID); err != nil {
		return nil, err
	}

	now := time.UnixMicro(toMicros(s.now())).UTC()
	msg = &models.Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		AuthorID:  author.UserID,
		Author:    author,
		Content:   normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO chat_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.RoomID, msg.AuthorID, author.Username, msg.Content, toMicros(now), toMicros(now),
	)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLMessageStore) ListMessages(ctx context.Context, roomID string, requesterID string, page models.PageOptions) (msgs []*models.Message, err error) {
	start := time.Now()
	defer func() { err = s.observe("list_messages", start, err) }()

	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	page = page.Normalize()
	if _, err := s.authorizeParticipant(ctx, roomID, requesterID); err != nil {
		return nil, err
	}

	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE room_id = ?`
	args := []interface{}{roomID}
	if page.Before != "" {
		cursor, err := s.getMessage(ctx, page.Before)
		if err != nil {
			return nil, err
		}
		if cursor.RoomID != roomID {
			return nil, models.ErrMessageNotFound
		}
		ts := toMicros(cursor.CreatedAt)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, ts, ts, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, page.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs = make([]*models.Message, 0, page.Limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-last
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLMessageStore) GetMessage(ctx context.Context, id string, requesterID string) (msg *models.Message, err error) {
	start := time.Now()
	defer func() { err = s.observe("get_message", start, err) }()

	if err := models.ValidateMessageID(id); err != nil {
		return nil, err
	}
	msg, err = s.getMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeParticipant(ctx, msg.RoomID, requesterID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLMessageStore) UpdateMessage(ctx context.Context, id string, requesterID string, content string) (msg *models.Message, err error) {
	start := time.Now()
	defer func() { err = s.observe("update_message", start, err) }()

	if err := models.ValidateMessageID(id); err != nil {
		return nil, err
	}
	normalized, err := models.NormalizeContent(content)
	if err != nil {
		return nil, err
	}
	msg, err = s.getMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != requesterID {
		return nil, models.ErrNotAuthor
	}

	updatedAt := time.UnixMicro(toMicros(s.now())).UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE chat_messages SET content = ?, updated_at = ? WHERE id = ? AND author_id = ?`),
		normalized, toMicros(updatedAt), id, requesterID,
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Deleted between the read and the update
		return nil, models.ErrMessageNotFound
	}
	msg.Content = normalized
	msg.UpdatedAt = updatedAt
	return msg, nil
}

func (s *SQLMessageStore) DeleteMessage(ctx context.Context, id string, requesterID string) (msg *models.Message, err error) {
	start := time.Now()
	defer func() { err = s.observe("delete_message", start, err) }()

	if err := models.ValidateMessageID(id); err != nil {
		return nil, err
	}
	msg, err = s.getMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != requesterID {
		room, err := s.getRoom(ctx, msg.RoomID)
		if err != nil {
			return nil, err
		}
		if room.OwnerID != requesterID {
			return nil, fmt.Errorf("%w: only the author or the room owner may delete this message", models.ErrForbidden)
		}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM chat_messages WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, models.ErrMessageNotFound
	}
	return msg, nil
}

// Ping checks that the database is reachable
func (s *SQLMessageStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifyError("ping database", err)
	}
	return nil
}

// Close closes the database handle
func (s *SQLMessageStore) Close() error {
	return s.db.Close()
}
