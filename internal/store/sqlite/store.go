// Package sqlite is the on-device LocalStore, built on gorm with the SQLite
// driver. It serves the same ports as the PostgreSQL store.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"courier/internal/domain"
	"courier/internal/store"
	"courier/internal/util"
)

type Store struct {
	DB *gorm.DB
}

// Open opens (or creates) the database at path and migrates every table.
// SQLite allows one writer, so the pool is held to a single connection.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return store.Wrap("ping", err)
	}
	return store.Wrap("ping", sqlDB.PingContext(ctx))
}

// ---- outbound tasks ----

func (s *Store) InsertTask(ctx context.Context, t domain.OutboundTask) error {
	row, err := toTaskRow(t)
	if err != nil {
		return err
	}
	return store.Wrap("insert task", s.DB.WithContext(ctx).Create(&row).Error)
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.OutboundTask, error) {
	var row taskRow
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.OutboundTask{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.OutboundTask{}, store.Wrap("get task", err)
	}
	return fromTaskRow(row)
}

func (s *Store) ListDrainableTasks(ctx context.Context, staleBefore time.Time) ([]domain.OutboundTask, error) {
	var rows []taskRow
	err := s.DB.WithContext(ctx).
		Where("status = ?", string(domain.TaskQueued)).
		Or("status = ? AND exhausted = ?", string(domain.TaskFailed), false).
		Or("status = ? AND updated_at < ?", string(domain.TaskProcessing), staleBefore.UTC()).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, store.Wrap("list drainable tasks", err)
	}
	return fromTaskRows(rows)
}

func (s *Store) ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.OutboundTask, error) {
	var rows []taskRow
	err := s.DB.WithContext(ctx).Where("status = ?", string(status)).Order("created_at, id").Find(&rows).Error
	if err != nil {
		return nil, store.Wrap("list tasks", err)
	}
	return fromTaskRows(rows)
}

func (s *Store) SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus, now time.Time) error {
	return s.updateTask(ctx, id, "set task status", map[string]any{
		"status":     string(status),
		"updated_at": now.UTC(),
	})
}

// SaveProgress writes recipients and status in one UPDATE.
func (s *Store) SaveProgress(ctx context.Context, id string, recipients []domain.RecipientProgress, status domain.TaskStatus, now time.Time) error {
	b, err := store.EncodeRecipients(recipients)
	if err != nil {
		return err
	}
	return s.updateTask(ctx, id, "save progress", map[string]any{
		"recipients": string(b),
		"status":     string(status),
		"updated_at": now.UTC(),
	})
}

func (s *Store) MarkExhausted(ctx context.Context, id string) error {
	return s.updateTask(ctx, id, "mark task exhausted", map[string]any{"exhausted": true})
}

func (s *Store) updateTask(ctx context.Context, id, op string, fields map[string]any) error {
	res := s.DB.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return store.Wrap(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) PurgeTasks(ctx context.Context, status domain.TaskStatus, before time.Time) (int, error) {
	res := s.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(status), before.UTC()).
		Delete(&taskRow{})
	if res.Error != nil {
		return 0, store.Wrap("purge tasks", res.Error)
	}
	return int(res.RowsAffected), nil
}

func toTaskRow(t domain.OutboundTask) (taskRow, error) {
	recipients, err := store.EncodeRecipients(t.Recipients)
	if err != nil {
		return taskRow{}, err
	}
	tags, err := store.EncodeTags(t.Tags)
	if err != nil {
		return taskRow{}, err
	}
	return taskRow{
		ID:             t.ID,
		MessageID:      t.MessageID,
		ConversationID: t.ConversationID,
		ContentType:    t.ContentType,
		Payload:        store.Payload(t.Payload),
		Tags:           string(tags),
		Status:         string(t.Status),
		Recipients:     string(recipients),
		Exhausted:      t.Exhausted,
		CreatedAt:      t.CreatedAt.UTC(),
		UpdatedAt:      t.UpdatedAt.UTC(),
	}, nil
}

func fromTaskRow(r taskRow) (domain.OutboundTask, error) {
	t := domain.OutboundTask{
		ID:             r.ID,
		MessageID:      r.MessageID,
		ConversationID: r.ConversationID,
		ContentType:    r.ContentType,
		Payload:        r.Payload,
		Status:         domain.TaskStatus(r.Status),
		Exhausted:      r.Exhausted,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	var err error
	if t.Tags, err = store.DecodeTags([]byte(r.Tags)); err != nil {
		return domain.OutboundTask{}, store.Wrap("read task "+r.ID, err)
	}
	if t.Recipients, err = store.DecodeRecipients([]byte(r.Recipients)); err != nil {
		return domain.OutboundTask{}, store.Wrap("read task "+r.ID, err)
	}
	return t, nil
}

func fromTaskRows(rows []taskRow) ([]domain.OutboundTask, error) {
	out := make([]domain.OutboundTask, 0, len(rows))
	for _, r := range rows {
		t, err := fromTaskRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ---- message cache ----

func toMessageRow(m domain.StoredMessage) messageRow {
	return messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ContentType:    m.ContentType,
		Payload:        store.Payload(m.Payload),
		SentAt:         m.SentAt.UTC(),
	}
}

func (s *Store) UpsertMessage(ctx context.Context, m domain.StoredMessage) error {
	row := toMessageRow(m)
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"conversation_id", "sender_id", "content_type", "payload", "sent_at"}),
	}).Create(&row).Error
	return store.Wrap("upsert message", err)
}

// ImportMessages inserts archived messages, skipping ids already present.
func (s *Store) ImportMessages(ctx context.Context, msgs []domain.StoredMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, toMessageRow(m))
	}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, store.Wrap("import messages", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) PageMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]domain.StoredMessage, error) {
	q := s.DB.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if before != nil {
		q = q.Where("sent_at < ?", before.UTC())
	}
	var rows []messageRow
	if err := q.Order("sent_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, store.Wrap("page messages", err)
	}
	out := make([]domain.StoredMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.StoredMessage{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			SenderID:       r.SenderID,
			ContentType:    r.ContentType,
			Payload:        r.Payload,
			SentAt:         r.SentAt.UTC(),
		})
	}
	return out, nil
}

// ---- conversation metadata ----

func (s *Store) GetConversationMetadata(ctx context.Context, conversationID string) (domain.ConversationMetadata, error) {
	meta := domain.ConversationMetadata{ConversationID: conversationID}
	var row metadataRow
	err := s.DB.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return meta, nil
	}
	if err != nil {
		return domain.ConversationMetadata{}, store.Wrap("get conversation metadata", err)
	}
	if row.LastSyncedAt != nil {
		meta.LastSyncedAt = row.LastSyncedAt.UTC()
	}
	if row.GenesisAt != nil {
		g := row.GenesisAt.UTC()
		meta.GenesisAt = &g
	}
	return meta, nil
}

// SetGenesis only ever lowers genesis_at. SQLite's MIN() yields NULL for a
// NULL operand, hence the CASE.
func (s *Store) SetGenesis(ctx context.Context, conversationID string, at time.Time) error {
	g := at.UTC()
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.Set{{
			Column: clause.Column{Name: "genesis_at"},
			Value: gorm.Expr(`CASE WHEN conversation_metadata.genesis_at IS NULL OR excluded.genesis_at < conversation_metadata.genesis_at
				THEN excluded.genesis_at ELSE conversation_metadata.genesis_at END`),
		}},
	}).Create(&metadataRow{ConversationID: conversationID, GenesisAt: &g}).Error
	return store.Wrap("set genesis", err)
}

func (s *Store) TouchConversation(ctx context.Context, conversationID string, syncedAt time.Time) error {
	ts := syncedAt.UTC()
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.Set{{
			Column: clause.Column{Name: "last_synced_at"},
			Value: gorm.Expr(`CASE WHEN conversation_metadata.last_synced_at IS NULL OR excluded.last_synced_at > conversation_metadata.last_synced_at
				THEN excluded.last_synced_at ELSE conversation_metadata.last_synced_at END`),
		}},
	}).Create(&metadataRow{ConversationID: conversationID, LastSyncedAt: &ts}).Error
	return store.Wrap("touch conversation", err)
}

// ---- quarantine ----

func (s *Store) Quarantine(ctx context.Context, m domain.QuarantinedMessage) error {
	row := quarantineRow{
		SenderID:       m.SenderID,
		MessageID:      m.MessageID,
		SenderHandle:   m.SenderHandle,
		ConversationID: m.ConversationID,
		ContentType:    m.ContentType,
		Raw:            store.Payload(m.Raw),
		SentAt:         m.SentAt.UTC(),
		ReceivedAt:     m.ReceivedAt.UTC(),
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return store.Wrap("quarantine message", err)
}

func (s *Store) ListQuarantined(ctx context.Context, senderID string) ([]domain.QuarantinedMessage, error) {
	var rows []quarantineRow
	err := s.DB.WithContext(ctx).Where("sender_id = ?", senderID).Order("received_at, message_id").Find(&rows).Error
	if err != nil {
		return nil, store.Wrap("list quarantined", err)
	}
	out := make([]domain.QuarantinedMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.QuarantinedMessage{
			MessageID:      r.MessageID,
			SenderID:       r.SenderID,
			SenderHandle:   r.SenderHandle,
			ConversationID: r.ConversationID,
			ContentType:    r.ContentType,
			Raw:            r.Raw,
			SentAt:         r.SentAt.UTC(),
			ReceivedAt:     r.ReceivedAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) DeleteQuarantined(ctx context.Context, senderID string) (int, error) {
	res := s.DB.WithContext(ctx).Where("sender_id = ?", senderID).Delete(&quarantineRow{})
	if res.Error != nil {
		return 0, store.Wrap("delete quarantined", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ListPendingSenders aggregates in Go; SQLite returns MIN/MAX over a
// datetime column as text.
func (s *Store) ListPendingSenders(ctx context.Context) ([]domain.PendingSender, error) {
	var rows []quarantineRow
	if err := s.DB.WithContext(ctx).Select("sender_id", "received_at").Find(&rows).Error; err != nil {
		return nil, store.Wrap("list pending senders", err)
	}

	bySender := map[string]*domain.PendingSender{}
	for _, r := range rows {
		at := r.ReceivedAt.UTC()
		p, ok := bySender[r.SenderID]
		if !ok {
			bySender[r.SenderID] = &domain.PendingSender{SenderID: r.SenderID, MessageCount: 1, FirstReceived: at, LastReceived: at}
			continue
		}
		p.MessageCount++
		if at.Before(p.FirstReceived) {
			p.FirstReceived = at
		}
		if at.After(p.LastReceived) {
			p.LastReceived = at
		}
	}

	out := make([]domain.PendingSender, 0, len(bySender))
	for _, p := range bySender {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastReceived.Equal(out[j].LastReceived) {
			return out[i].LastReceived.After(out[j].LastReceived)
		}
		return out[i].SenderID < out[j].SenderID
	})
	return out, nil
}

// ---- identities, contacts, rosters, keys, blocks ----

// ResolveToCanonical maps a handle through identity_aliases; an unknown
// handle is its own canonical identity.
func (s *Store) ResolveToCanonical(ctx context.Context, handle string) (string, error) {
	var row aliasRow
	err := s.DB.WithContext(ctx).Where("handle = ?", handle).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return handle, nil
	}
	if err != nil {
		return "", store.Wrap("resolve identity", err)
	}
	return row.Identity, nil
}

func (s *Store) AddAlias(ctx context.Context, handle, identity string) error {
	return store.Wrap("add alias", s.DB.WithContext(ctx).Save(&aliasRow{Handle: handle, Identity: identity}).Error)
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.Contact, bool, error) {
	var row contactRow
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Contact{}, false, nil
	}
	if err != nil {
		return domain.Contact{}, false, store.Wrap("get contact", err)
	}
	return domain.Contact{ID: row.ID, DisplayName: row.DisplayName}, true, nil
}

func (s *Store) UpsertContact(ctx context.Context, c domain.Contact) error {
	return store.Wrap("upsert contact", s.DB.WithContext(ctx).Save(&contactRow{ID: c.ID, DisplayName: c.DisplayName}).Error)
}

func (s *Store) GetGroupRoster(ctx context.Context, groupID string) (domain.GroupRoster, error) {
	var rows []memberRow
	if err := s.DB.WithContext(ctx).Where("group_id = ?", groupID).Find(&rows).Error; err != nil {
		return domain.GroupRoster{}, store.Wrap("get roster", err)
	}
	roster := domain.GroupRoster{GroupID: groupID, Members: make(map[string]domain.MembershipState, len(rows))}
	for _, r := range rows {
		roster.Members[r.Identity] = domain.MembershipState(r.State)
	}
	return roster, nil
}

func (s *Store) SetMembership(ctx context.Context, groupID, identity string, state domain.MembershipState) error {
	row := memberRow{GroupID: groupID, Identity: identity, State: string(state)}
	return store.Wrap("set membership", s.DB.WithContext(ctx).Save(&row).Error)
}

func (s *Store) GetPublicKey(ctx context.Context, identity string) (domain.PublicKeys, error) {
	var row keyRow
	err := s.DB.WithContext(ctx).Where("identity = ?", identity).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PublicKeys{}, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, identity)
	}
	if err != nil {
		return domain.PublicKeys{}, store.Wrap("get public key", err)
	}
	return domain.PublicKeys{Encryption: row.Encryption, Signing: row.Signing}, nil
}

func (s *Store) PutPublicKey(ctx context.Context, identity string, k domain.PublicKeys) error {
	row := keyRow{Identity: identity, Encryption: k.Encryption, Signing: k.Signing}
	return store.Wrap("put public key", s.DB.WithContext(ctx).Save(&row).Error)
}

func (s *Store) BlockedIdentities(ctx context.Context) (domain.IdentitySet, error) {
	var ids []string
	if err := s.DB.WithContext(ctx).Model(&blockRow{}).Pluck("identity", &ids).Error; err != nil {
		return nil, store.Wrap("list blocked", err)
	}
	return domain.NewIdentitySet(ids...), nil
}

func (s *Store) Block(ctx context.Context, identity string) error {
	row := blockRow{Identity: identity, BlockedAt: util.NowUTC()}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return store.Wrap("block identity", err)
}
