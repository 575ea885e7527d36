package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/domain"
	"courier/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.DB.Ping(ctx))
}

// ---- outbound tasks ----

const taskColumns = `id, message_id, conversation_id, content_type, payload, tags, status, recipients, created_at, updated_at, exhausted`

func (s *Store) InsertTask(ctx context.Context, t domain.OutboundTask) error {
	recipients, err := store.EncodeRecipients(t.Recipients)
	if err != nil {
		return err
	}
	tags, err := store.EncodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO outbound_tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, t.ID, t.MessageID, t.ConversationID, t.ContentType, store.Payload(t.Payload), tags, t.Status, recipients, t.CreatedAt, t.UpdatedAt, t.Exhausted)
	return store.Wrap("insert task", err)
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.OutboundTask, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+taskColumns+` FROM outbound_tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OutboundTask{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t, store.Wrap("get task", err)
}

func (s *Store) ListDrainableTasks(ctx context.Context, staleBefore time.Time) ([]domain.OutboundTask, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+taskColumns+` FROM outbound_tasks
		WHERE status='queued'
		   OR (status='failed' AND NOT exhausted)
		   OR (status='processing' AND updated_at < $1)
		ORDER BY created_at, id
	`, staleBefore)
	if err != nil {
		return nil, store.Wrap("list drainable tasks", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.OutboundTask, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+taskColumns+` FROM outbound_tasks WHERE status=$1 ORDER BY created_at, id
	`, status)
	if err != nil {
		return nil, store.Wrap("list tasks", err)
	}
	return collectTasks(rows)
}

func (s *Store) SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus, now time.Time) error {
	ct, err := s.DB.Exec(ctx, `UPDATE outbound_tasks SET status=$2, updated_at=$3 WHERE id=$1`, id, status, now)
	if err != nil {
		return store.Wrap("set task status", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return nil
}

// SaveProgress is a single UPDATE so recipients and status never diverge.
func (s *Store) SaveProgress(ctx context.Context, id string, recipients []domain.RecipientProgress, status domain.TaskStatus, now time.Time) error {
	b, err := store.EncodeRecipients(recipients)
	if err != nil {
		return err
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbound_tasks SET recipients=$2, status=$3, updated_at=$4 WHERE id=$1
	`, id, b, status, now)
	if err != nil {
		return store.Wrap("save progress", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) MarkExhausted(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `UPDATE outbound_tasks SET exhausted=TRUE WHERE id=$1`, id)
	if err != nil {
		return store.Wrap("mark task exhausted", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) PurgeTasks(ctx context.Context, status domain.TaskStatus, before time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM outbound_tasks WHERE status=$1 AND updated_at < $2`, status, before)
	if err != nil {
		return 0, store.Wrap("purge tasks", err)
	}
	return int(ct.RowsAffected()), nil
}

func scanTask(row pgx.Row) (domain.OutboundTask, error) {
	var t domain.OutboundTask
	var tags, recipients []byte
	if err := row.Scan(&t.ID, &t.MessageID, &t.ConversationID, &t.ContentType, &t.Payload, &tags, &t.Status, &recipients, &t.CreatedAt, &t.UpdatedAt, &t.Exhausted); err != nil {
		return domain.OutboundTask{}, err
	}
	var err error
	if t.Tags, err = store.DecodeTags(tags); err != nil {
		return domain.OutboundTask{}, err
	}
	if t.Recipients, err = store.DecodeRecipients(recipients); err != nil {
		return domain.OutboundTask{}, err
	}
	t.CreatedAt, t.UpdatedAt = t.CreatedAt.UTC(), t.UpdatedAt.UTC()
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]domain.OutboundTask, error) {
	defer rows.Close()
	var out []domain.OutboundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, store.Wrap("scan task", err)
		}
		out = append(out, t)
	}
	return out, store.Wrap("iterate tasks", rows.Err())
}

// ---- message cache ----

func (s *Store) UpsertMessage(ctx context.Context, m domain.StoredMessage) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content_type, payload, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id=EXCLUDED.conversation_id, sender_id=EXCLUDED.sender_id,
			content_type=EXCLUDED.content_type, payload=EXCLUDED.payload, sent_at=EXCLUDED.sent_at
	`, m.ID, m.ConversationID, m.SenderID, m.ContentType, store.Payload(m.Payload), m.SentAt)
	return store.Wrap("upsert message", err)
}

// ImportMessages inserts archived messages in one transaction, skipping ids
// already present.
func (s *Store) ImportMessages(ctx context.Context, msgs []domain.StoredMessage) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, store.Wrap("begin import", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n := 0
	for _, m := range msgs {
		ct, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content_type, payload, sent_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO NOTHING
		`, m.ID, m.ConversationID, m.SenderID, m.ContentType, store.Payload(m.Payload), m.SentAt)
		if err != nil {
			return 0, store.Wrap("import message", err)
		}
		n += int(ct.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, store.Wrap("commit import", err)
	}
	return n, nil
}

func (s *Store) PageMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]domain.StoredMessage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, conversation_id, sender_id, content_type, payload, sent_at
		FROM messages
		WHERE conversation_id=$1 AND ($2::timestamptz IS NULL OR sent_at < $2)
		ORDER BY sent_at DESC, id DESC
		LIMIT $3
	`, conversationID, before, limit)
	if err != nil {
		return nil, store.Wrap("page messages", err)
	}
	defer rows.Close()

	var out []domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ContentType, &m.Payload, &m.SentAt); err != nil {
			return nil, store.Wrap("scan message", err)
		}
		m.SentAt = m.SentAt.UTC()
		out = append(out, m)
	}
	return out, store.Wrap("iterate messages", rows.Err())
}

// ---- conversation metadata ----

func (s *Store) GetConversationMetadata(ctx context.Context, conversationID string) (domain.ConversationMetadata, error) {
	meta := domain.ConversationMetadata{ConversationID: conversationID}
	var synced, genesis *time.Time
	err := s.DB.QueryRow(ctx, `
		SELECT last_synced_at, genesis_at FROM conversation_metadata WHERE conversation_id=$1
	`, conversationID).Scan(&synced, &genesis)
	if errors.Is(err, pgx.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return domain.ConversationMetadata{}, store.Wrap("get conversation metadata", err)
	}
	if synced != nil {
		meta.LastSyncedAt = synced.UTC()
	}
	if genesis != nil {
		g := genesis.UTC()
		meta.GenesisAt = &g
	}
	return meta, nil
}

// SetGenesis only ever lowers genesis_at; LEAST ignores a NULL operand.
func (s *Store) SetGenesis(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO conversation_metadata (conversation_id, genesis_at) VALUES ($1,$2)
		ON CONFLICT (conversation_id)
		DO UPDATE SET genesis_at = LEAST(conversation_metadata.genesis_at, EXCLUDED.genesis_at)
	`, conversationID, at)
	return store.Wrap("set genesis", err)
}

func (s *Store) TouchConversation(ctx context.Context, conversationID string, syncedAt time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO conversation_metadata (conversation_id, last_synced_at) VALUES ($1,$2)
		ON CONFLICT (conversation_id)
		DO UPDATE SET last_synced_at = GREATEST(conversation_metadata.last_synced_at, EXCLUDED.last_synced_at)
	`, conversationID, syncedAt)
	return store.Wrap("touch conversation", err)
}

// ---- quarantine ----

func (s *Store) Quarantine(ctx context.Context, m domain.QuarantinedMessage) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO quarantined_messages (sender_id, message_id, sender_handle, conversation_id, content_type, raw, sent_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (sender_id, message_id) DO NOTHING
	`, m.SenderID, m.MessageID, m.SenderHandle, m.ConversationID, m.ContentType, store.Payload(m.Raw), m.SentAt, m.ReceivedAt)
	return store.Wrap("quarantine message", err)
}

func (s *Store) ListQuarantined(ctx context.Context, senderID string) ([]domain.QuarantinedMessage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT sender_id, message_id, sender_handle, conversation_id, content_type, raw, sent_at, received_at
		FROM quarantined_messages WHERE sender_id=$1 ORDER BY received_at, message_id
	`, senderID)
	if err != nil {
		return nil, store.Wrap("list quarantined", err)
	}
	defer rows.Close()

	var out []domain.QuarantinedMessage
	for rows.Next() {
		var m domain.QuarantinedMessage
		if err := rows.Scan(&m.SenderID, &m.MessageID, &m.SenderHandle, &m.ConversationID, &m.ContentType, &m.Raw, &m.SentAt, &m.ReceivedAt); err != nil {
			return nil, store.Wrap("scan quarantined", err)
		}
		m.SentAt, m.ReceivedAt = m.SentAt.UTC(), m.ReceivedAt.UTC()
		out = append(out, m)
	}
	return out, store.Wrap("iterate quarantined", rows.Err())
}

func (s *Store) DeleteQuarantined(ctx context.Context, senderID string) (int, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM quarantined_messages WHERE sender_id=$1`, senderID)
	if err != nil {
		return 0, store.Wrap("delete quarantined", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) ListPendingSenders(ctx context.Context) ([]domain.PendingSender, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT sender_id, COUNT(*), MIN(received_at), MAX(received_at)
		FROM quarantined_messages
		GROUP BY sender_id
		ORDER BY MAX(received_at) DESC, sender_id
	`)
	if err != nil {
		return nil, store.Wrap("list pending senders", err)
	}
	defer rows.Close()

	var out []domain.PendingSender
	for rows.Next() {
		var p domain.PendingSender
		if err := rows.Scan(&p.SenderID, &p.MessageCount, &p.FirstReceived, &p.LastReceived); err != nil {
			return nil, store.Wrap("scan pending sender", err)
		}
		p.FirstReceived, p.LastReceived = p.FirstReceived.UTC(), p.LastReceived.UTC()
		out = append(out, p)
	}
	return out, store.Wrap("iterate pending senders", rows.Err())
}

// ---- identities, contacts, rosters, keys, blocks ----

// ResolveToCanonical maps a handle through identity_aliases; an unknown
// handle is its own canonical identity.
func (s *Store) ResolveToCanonical(ctx context.Context, handle string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `SELECT identity FROM identity_aliases WHERE handle=$1`, handle).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return handle, nil
	}
	if err != nil {
		return "", store.Wrap("resolve identity", err)
	}
	return id, nil
}

func (s *Store) AddAlias(ctx context.Context, handle, identity string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO identity_aliases (handle, identity) VALUES ($1,$2)
		ON CONFLICT (handle) DO UPDATE SET identity=EXCLUDED.identity
	`, handle, identity)
	return store.Wrap("add alias", err)
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.Contact, bool, error) {
	c := domain.Contact{ID: id}
	err := s.DB.QueryRow(ctx, `SELECT display_name FROM contacts WHERE id=$1`, id).Scan(&c.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contact{}, false, nil
	}
	if err != nil {
		return domain.Contact{}, false, store.Wrap("get contact", err)
	}
	return c, true, nil
}

func (s *Store) UpsertContact(ctx context.Context, c domain.Contact) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contacts (id, display_name) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name
	`, c.ID, c.DisplayName)
	return store.Wrap("upsert contact", err)
}

func (s *Store) GetGroupRoster(ctx context.Context, groupID string) (domain.GroupRoster, error) {
	rows, err := s.DB.Query(ctx, `SELECT identity, state FROM group_members WHERE group_id=$1`, groupID)
	if err != nil {
		return domain.GroupRoster{}, store.Wrap("get roster", err)
	}
	defer rows.Close()

	roster := domain.GroupRoster{GroupID: groupID, Members: map[string]domain.MembershipState{}}
	for rows.Next() {
		var id string
		var state domain.MembershipState
		if err := rows.Scan(&id, &state); err != nil {
			return domain.GroupRoster{}, store.Wrap("scan roster", err)
		}
		roster.Members[id] = state
	}
	return roster, store.Wrap("iterate roster", rows.Err())
}

func (s *Store) SetMembership(ctx context.Context, groupID, identity string, state domain.MembershipState) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO group_members (group_id, identity, state) VALUES ($1,$2,$3)
		ON CONFLICT (group_id, identity) DO UPDATE SET state=EXCLUDED.state
	`, groupID, identity, state)
	return store.Wrap("set membership", err)
}

func (s *Store) GetPublicKey(ctx context.Context, identity string) (domain.PublicKeys, error) {
	var k domain.PublicKeys
	err := s.DB.QueryRow(ctx, `SELECT encryption, signing FROM public_keys WHERE identity=$1`, identity).Scan(&k.Encryption, &k.Signing)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PublicKeys{}, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, identity)
	}
	if err != nil {
		return domain.PublicKeys{}, store.Wrap("get public key", err)
	}
	return k, nil
}

func (s *Store) PutPublicKey(ctx context.Context, identity string, k domain.PublicKeys) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO public_keys (identity, encryption, signing) VALUES ($1,$2,$3)
		ON CONFLICT (identity) DO UPDATE SET encryption=EXCLUDED.encryption, signing=EXCLUDED.signing
	`, identity, k.Encryption, k.Signing)
	return store.Wrap("put public key", err)
}

func (s *Store) BlockedIdentities(ctx context.Context) (domain.IdentitySet, error) {
	rows, err := s.DB.Query(ctx, `SELECT identity FROM blocked_identities`)
	if err != nil {
		return nil, store.Wrap("list blocked", err)
	}
	defer rows.Close()

	set := domain.NewIdentitySet()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.Wrap("scan blocked", err)
		}
		set[id] = struct{}{}
	}
	return set, store.Wrap("iterate blocked", rows.Err())
}

func (s *Store) Block(ctx context.Context, identity string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO blocked_identities (identity) VALUES ($1) ON CONFLICT (identity) DO NOTHING
	`, identity)
	return store.Wrap("block identity", err)
}
