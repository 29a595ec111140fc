package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	accountColumns      = "id, username, email, password_hash, avatar, created_at, updated_at"
	conversationColumns = "c.id, c.type, c.name, c.description, c.category, c.avatar, c.is_public, " +
		"c.admin_id, c.direct_key, c.latest_message_id, c.created_at, c.updated_at"
	messageColumns = "id, seq, conversation_id, sender_id, content, message_type, system_event, metadata, " +
		"file_url, file_name, file_size, mime_type, deleted, created_at, updated_at"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a transaction, rolling back if fn returns an error.
func (db *PgChatRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *PgChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, username, email, password_hash, avatar, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+accountColumns,
		uuid.NewString(),
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.Avatar,
		now,
	)

	u, err := scanAccount(row)
	return u, mapError(err)
}

func scanAccount(row scanner) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.PasswordHash,
		&u.Avatar,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

func (db *PgChatRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	u, err := scanAccount(row)
	return u, mapError(err)
}

func (db *PgChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email = $1 LIMIT 1",
		email,
	)

	u, err := scanAccount(row)
	return u, mapError(err)
}

func (db *PgChatRepository) GetAccountsByIds(ctx context.Context, ids []string) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0, len(ids))
	for rows.Next() {
		u, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (*Conversation, error) {
	now := time.Now().UTC()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO conversations (id, type, name, description, category, avatar, is_public, admin_id, direct_key, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)",
			params.Id,
			string(params.Type),
			params.Name,
			params.Description,
			params.Category,
			params.Avatar,
			params.IsPublic,
			nullString(params.AdminId),
			nullString(params.DirectKey),
			now,
		)
		if err != nil {
			return err
		}

		for _, p := range params.Participants {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO conversation_participants (conversation_id, account_id, joined_at) VALUES ($1, $2, $3)",
				params.Id,
				p,
				now,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}

	return db.GetConversation(ctx, params.Id)
}

func scanConversation(row scanner) (Conversation, error) {
	var (
		c             Conversation
		convType      string
		adminId       sql.NullString
		directKey     sql.NullString
		latestMessage sql.NullString
	)

	err := row.Scan(
		&c.Id,
		&convType,
		&c.Name,
		&c.Description,
		&c.Category,
		&c.Avatar,
		&c.IsPublic,
		&adminId,
		&directKey,
		&latestMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}

	c.Type = ConversationType(convType)
	c.AdminId = adminId.String
	c.DirectKey = directKey.String
	c.LatestMessageId = latestMessage.String
	c.UnreadCounts = make(map[string]int)
	return c, nil
}

// loadParticipants fills in participants, moderators and unread counts.
func loadParticipants(ctx context.Context, q querier, convs []Conversation) error {
	if len(convs) == 0 {
		return nil
	}

	ids := make([]string, len(convs))
	index := make(map[string]int, len(convs))
	for i, c := range convs {
		ids[i] = c.Id
		index[c.Id] = i
	}

	rows, err := q.QueryContext(ctx,
		"SELECT conversation_id, account_id, is_moderator, unread_count FROM conversation_participants "+
			"WHERE conversation_id = ANY($1) ORDER BY joined_at, account_id",
		pq.Array(ids),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convId, accountId string
			isModerator       bool
			unread            int
		)
		if err := rows.Scan(&convId, &accountId, &isModerator, &unread); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}

		c := &convs[index[convId]]
		c.Participants = append(c.Participants, accountId)
		if isModerator {
			c.Moderators = append(c.Moderators, accountId)
		}
		c.UnreadCounts[accountId] = unread
	}

	return rows.Err()
}

func (db *PgChatRepository) getConversation(ctx context.Context, q querier, where string, arg any) (*Conversation, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE "+where+" LIMIT 1",
		arg,
	)

	c, err := scanConversation(row)
	if err != nil {
		return nil, mapError(err)
	}

	convs := []Conversation{c}
	if err := loadParticipants(ctx, q, convs); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	return &convs[0], nil
}

func (db *PgChatRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return db.getConversation(ctx, db.conn, "c.id = $1", id)
}

func (db *PgChatRepository) GetDirectConversation(ctx context.Context, directKey string) (*Conversation, error) {
	return db.getConversation(ctx, db.conn, "c.direct_key = $1", directKey)
}

func (db *PgChatRepository) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c "+
			"JOIN conversation_participants p ON p.conversation_id = c.id "+
			"WHERE p.account_id = $1 ORDER BY c.updated_at DESC, c.id",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := loadParticipants(ctx, db.conn, convs); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	return convs, nil
}

func optional[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func (db *PgChatRepository) UpdateConversation(ctx context.Context, id string, params UpdateConversationParams) (*Conversation, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET "+
			"name = COALESCE($2, name), "+
			"description = COALESCE($3, description), "+
			"category = COALESCE($4, category), "+
			"avatar = COALESCE($5, avatar), "+
			"is_public = COALESCE($6, is_public), "+
			"updated_at = $7 WHERE id = $1",
		id,
		optional(params.Name),
		optional(params.Description),
		optional(params.Category),
		optional(params.Avatar),
		optional(params.IsPublic),
		time.Now().UTC(),
	)
	if err := requireAffected(res, err); err != nil {
		return nil, err
	}

	return db.GetConversation(ctx, id)
}

func requireAffected(res sql.Result, err error) error {
	if err != nil {
		return mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func touchConversation(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, "UPDATE conversations SET updated_at = $2 WHERE id = $1", id, time.Now().UTC())
	return err
}

func (db *PgChatRepository) AddParticipant(ctx context.Context, conversationId, userId string) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO conversation_participants (conversation_id, account_id, joined_at, joined_seq) "+
				"VALUES ($1, $2, $3, (SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = $1))",
			conversationId,
			userId,
			time.Now().UTC(),
		)
		if err != nil {
			return err
		}

		return touchConversation(ctx, tx, conversationId)
	})

	return mapError(err)
}

func (db *PgChatRepository) RemoveParticipant(ctx context.Context, conversationId, userId string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM conversation_participants WHERE conversation_id = $1 AND account_id = $2",
			conversationId,
			userId,
		)
		if err := requireAffected(res, err); err != nil {
			return err
		}

		return touchConversation(ctx, tx, conversationId)
	})
}

func (db *PgChatRepository) SetModerator(ctx context.Context, conversationId, userId string, moderator bool) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE conversation_participants SET is_moderator = $3 WHERE conversation_id = $1 AND account_id = $2",
		conversationId,
		userId,
		moderator,
	)

	return requireAffected(res, err)
}

func (db *PgChatRepository) SetAdmin(ctx context.Context, conversationId, userId string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE conversations SET admin_id = $2, updated_at = $3 WHERE id = $1 AND type <> 'direct'",
			conversationId,
			userId,
			time.Now().UTC(),
		)
		if err := requireAffected(res, err); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx,
			"UPDATE conversation_participants SET is_moderator = FALSE WHERE conversation_id = $1 AND account_id = $2",
			conversationId,
			userId,
		)
		return requireAffected(res, err)
	})
}

func (db *PgChatRepository) DeleteConversation(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM message_reads WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = $1)",
			id,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = $1", id)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM conversation_participants WHERE conversation_id = $1", id)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", id)
		return requireAffected(res, err)
	})
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg *Message) error {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if msg.Metadata == nil {
		metadata = []byte("{}")
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"INSERT INTO messages (id, conversation_id, sender_id, content, message_type, system_event, metadata, "+
				"file_url, file_name, file_size, mime_type, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12) RETURNING seq",
			msg.Id,
			msg.ConversationId,
			msg.SenderId,
			msg.Content,
			string(msg.Type),
			string(msg.SystemEvent),
			metadata,
			msg.FileUrl,
			msg.FileName,
			msg.FileSize,
			msg.MimeType,
			msg.CreatedAt,
		)
		if err := row.Scan(&msg.Seq); err != nil {
			return err
		}

		for _, r := range msg.ReadBy {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO message_reads (message_id, account_id, read_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
				msg.Id,
				r.UserId,
				r.ReadAt,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return mapError(err)
	}

	msg.UpdatedAt = msg.CreatedAt
	return nil
}

func (db *PgChatRepository) UpdateConversationOnMessage(ctx context.Context, msg *Message) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE conversations SET latest_message_id = $2, updated_at = $3 WHERE id = $1",
			msg.ConversationId,
			msg.Id,
			msg.CreatedAt,
		)
		if err := requireAffected(res, err); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE conversation_participants SET unread_count = unread_count + 1 "+
				"WHERE conversation_id = $1 AND account_id <> $2",
			msg.ConversationId,
			msg.SenderId,
		)
		return err
	})
}

func scanMessage(row scanner) (Message, error) {
	var (
		m           Message
		msgType     string
		systemEvent string
		metadata    []byte
	)

	err := row.Scan(
		&m.Id,
		&m.Seq,
		&m.ConversationId,
		&m.SenderId,
		&m.Content,
		&msgType,
		&systemEvent,
		&metadata,
		&m.FileUrl,
		&m.FileName,
		&m.FileSize,
		&m.MimeType,
		&m.Deleted,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}

	m.Type = MessageType(msgType)
	m.SystemEvent = SystemEvent(systemEvent)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return m, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}

	return m, nil
}

func loadReceipts(ctx context.Context, q querier, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.Id
		index[m.Id] = i
	}

	rows, err := q.QueryContext(ctx,
		"SELECT message_id, account_id, read_at FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at",
		pq.Array(ids),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgId string
			r     ReadReceipt
		)
		if err := rows.Scan(&msgId, &r.UserId, &r.ReadAt); err != nil {
			return fmt.Errorf("scan receipt: %w", err)
		}

		m := &msgs[index[msgId]]
		m.ReadBy = append(m.ReadBy, r)
	}

	return rows.Err()
}

func (db *PgChatRepository) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := loadReceipts(ctx, db.conn, msgs); err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}

	return msgs, nil
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id string) (*Message, error) {
	msgs, err := db.queryMessages(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}

	return &msgs[0], nil
}

// GetMessages returns a page of messages in chronological order. Pages are
// counted backwards from Before (or from the newest message).
func (db *PgChatRepository) GetMessages(ctx context.Context, params GetMessagesParams) ([]Message, error) {
	var before any
	if !params.Before.IsZero() {
		before = params.Before
	}

	msgs, err := db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2) "+
			"ORDER BY created_at DESC, seq DESC LIMIT $3 OFFSET $4",
		params.ConversationId,
		before,
		normalizeLimit(params.Limit),
		max(params.Offset, 0),
	)
	if err != nil {
		return nil, err
	}

	slices.Reverse(msgs)
	return msgs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (db *PgChatRepository) SearchMessages(ctx context.Context, conversationId, query string, limit int) ([]Message, error) {
	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE conversation_id = $1 AND deleted = FALSE AND content ILIKE '%' || $2 || '%' ESCAPE '\\' "+
			"ORDER BY created_at DESC, seq DESC LIMIT $3",
		conversationId,
		likeEscaper.Replace(query),
		normalizeLimit(limit),
	)
}

func (db *PgChatRepository) CountMessages(ctx context.Context, conversationId string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT count(*) FROM messages WHERE conversation_id = $1",
		conversationId,
	).Scan(&n)

	return n, err
}

// insertReads runs an INSERT ... RETURNING message_id into message_reads,
// with the reader bound to $2. It returns how many receipts were added and
// how many of those were for messages sent after the reader joined; only
// the latter were ever counted as unread.
func insertReads(ctx context.Context, q querier, insert string, args ...any) (int64, int64, error) {
	var marked, counted int64
	err := q.QueryRowContext(ctx,
		"WITH ins AS ("+insert+") "+
			"SELECT COUNT(*), COUNT(*) FILTER (WHERE m.seq > p.joined_seq) FROM ins "+
			"JOIN messages m ON m.id = ins.message_id "+
			"LEFT JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.account_id = $2",
		args...,
	).Scan(&marked, &counted)
	return marked, counted, err
}

func decrementUnread(ctx context.Context, q querier, conversationId, userId string, n int64) error {
	_, err := q.ExecContext(ctx,
		"UPDATE conversation_participants SET unread_count = GREATEST(unread_count - $3, 0) "+
			"WHERE conversation_id = $1 AND account_id = $2",
		conversationId,
		userId,
		n,
	)
	return err
}

func (db *PgChatRepository) MarkConversationRead(ctx context.Context, conversationId, userId string, at time.Time) (int, error) {
	var marked int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var counted int64
		var err error
		marked, counted, err = insertReads(ctx, tx,
			"INSERT INTO message_reads (message_id, account_id, read_at) "+
				"SELECT id, $2, $3 FROM messages WHERE conversation_id = $1 AND sender_id <> $2 "+
				"ON CONFLICT DO NOTHING RETURNING message_id",
			conversationId,
			userId,
			at,
		)
		if err != nil || counted == 0 {
			return err
		}

		return decrementUnread(ctx, tx, conversationId, userId, counted)
	})

	return int(marked), err
}

func (db *PgChatRepository) MarkMessageRead(ctx context.Context, messageId, userId string, at time.Time) (bool, error) {
	var marked int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var conversationId string
		err := tx.QueryRowContext(ctx,
			"SELECT conversation_id FROM messages WHERE id = $1",
			messageId,
		).Scan(&conversationId)
		if err != nil {
			return mapError(err)
		}

		var counted int64
		marked, counted, err = insertReads(ctx, tx,
			"INSERT INTO message_reads (message_id, account_id, read_at) "+
				"SELECT id, $2, $3 FROM messages WHERE id = $1 AND sender_id <> $2 "+
				"ON CONFLICT DO NOTHING RETURNING message_id",
			messageId,
			userId,
			at,
		)
		if err != nil || counted == 0 {
			return err
		}

		return decrementUnread(ctx, tx, conversationId, userId, counted)
	})

	return marked > 0, err
}

func (db *PgChatRepository) SoftDeleteMessage(ctx context.Context, messageId, tombstone string) (*Message, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET content = $2, message_type = 'system', system_event = 'deleted', "+
			"file_url = '', file_name = '', file_size = 0, mime_type = '', deleted = TRUE, updated_at = $3 "+
			"WHERE id = $1",
		messageId,
		tombstone,
		time.Now().UTC(),
	)
	if err := requireAffected(res, err); err != nil {
		return nil, err
	}

	return db.GetMessage(ctx, messageId)
}
