package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements message persistence over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "pulse").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("chat: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "pulse"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "messages"}.Sanitize()
}

// EnsureSchema creates the schema, table and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	t := s.table()
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  sender_id TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  image TEXT NOT NULL DEFAULT '',
  client_msg_id TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_sender_client_msg
  ON %s (sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS ix_messages_pair_created
  ON %s (sender_id, receiver_id, created_at DESC);
`, pgx.Identifier{s.schema}.Sanitize(), t, t, t)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const messageCols = `id, sender_id, receiver_id, text, image, COALESCE(client_msg_id, ''), created_at`

func (s *PostgresStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	var clientMsgID any
	if m.ClientMsgID != "" {
		clientMsgID = m.ClientMsgID
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (id, sender_id, receiver_id, text, image, client_msg_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING
		 RETURNING `+messageCols,
		m.ID, m.SenderID, m.ReceiverID, m.Text, m.Image, clientMsgID, m.CreatedAt,
	)
	stored, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) && m.ClientMsgID != "" {
		prev, err := s.FindByClientMsgID(ctx, m.SenderID, m.ClientMsgID)
		return prev, err == nil, err
	}
	if err != nil {
		return Message{}, false, err
	}
	return stored, false, nil
}

func (s *PostgresStore) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, error) {
	if clientMsgID == "" {
		return Message{}, notFound("chat.FindByClientMsgID")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+s.table()+`
		  WHERE sender_id = $1 AND client_msg_id = $2`, senderID, clientMsgID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound("chat.FindByClientMsgID")
	}
	return m, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM `+s.table()+` WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound("chat.Get")
	}
	return m, err
}

func (s *PostgresStore) Conversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	// LIMIT NULL means no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM `+s.table()+`
		  WHERE (sender_id = $1 AND receiver_id = $2)
		     OR (sender_id = $2 AND receiver_id = $1)
		  ORDER BY created_at DESC, id DESC
		  LIMIT $3`, a, b, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("chat.Delete")
	}
	return nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image, &m.ClientMsgID, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

var _ Store = (*PostgresStore)(nil)
