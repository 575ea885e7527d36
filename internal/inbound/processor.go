// Package inbound turns envelopes received from the transport into admitted,
// quarantined or dropped messages.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/domain"
	"courier/internal/observability"
	"courier/internal/util"
)

type KeyDirectory interface {
	GetPublicKey(ctx context.Context, identity string) (domain.PublicKeys, error)
}

type Decrypter interface {
	Decrypt(env domain.SecureEnvelope, own domain.KeyPair, sender domain.PublicKeys) (domain.TransportMessage, error)
}

type Classifier interface {
	Process(ctx context.Context, msg domain.InboundMessage, blocked domain.IdentitySet) (domain.TrustDecision, error)
}

type BlockList interface {
	BlockedIdentities(ctx context.Context) (domain.IdentitySet, error)
}

type MessageStore interface {
	// UpsertMessage is keyed by message id; replays overwrite the same row.
	UpsertMessage(ctx context.Context, m domain.StoredMessage) error
	TouchConversation(ctx context.Context, conversationID string, syncedAt time.Time) error
}

type Processor struct {
	IdentityID string
	Keys       domain.KeyPair

	Directory KeyDirectory
	Crypto    Decrypter
	Trust     Classifier
	Blocks    BlockList
	Messages  MessageStore
	Logger    *slog.Logger
	Now       func() time.Time
}

// Process handles one envelope. Envelopes that can never be read are dropped
// and reported as handled; storage failures are returned so the transport
// redelivers.
func (p *Processor) Process(ctx context.Context, env domain.SecureEnvelope) error {
	log := p.logger().With("message_id", env.MessageID, "sender_id", env.SenderID)
	if env.RecipientID != p.IdentityID {
		p.drop(log, "misaddressed", nil)
		return nil
	}
	if env.MessageID == "" {
		p.drop(log, "missing_record_id", nil)
		return nil
	}

	senderKeys, err := p.Directory.GetPublicKey(ctx, env.SenderID)
	if errors.Is(err, domain.ErrKeyNotFound) {
		p.drop(log, "key_not_found", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sender key %s: %w", env.SenderID, err)
	}

	msg, err := p.Crypto.Decrypt(env, p.Keys, senderKeys)
	if err != nil {
		p.drop(log, "crypto_error", err)
		return nil
	}
	if msg.SenderID != env.SenderID {
		p.drop(log, "sender_mismatch", nil)
		return nil
	}
	// rows and quarantine entries are keyed by record id
	if msg.RecordID != env.MessageID {
		p.drop(log, "missing_record_id", nil)
		return nil
	}

	blocked, err := p.Blocks.BlockedIdentities(ctx)
	if err != nil {
		return fmt.Errorf("load block list: %w", err)
	}

	now := p.now()
	in := domain.InboundMessage{
		MessageID:      msg.RecordID,
		SenderID:       msg.SenderID,
		ConversationID: localConversation(msg.ConversationID, msg.SenderID),
		ContentType:    msg.ContentType,
		Raw:            msg.Payload,
		SentAt:         msg.SentAt,
		ReceivedAt:     now,
	}
	decision, err := p.Trust.Process(ctx, in, blocked)
	if err != nil {
		return fmt.Errorf("classify %s: %w", in.MessageID, err)
	}
	identity, ok := decision.Admitted()
	if !ok {
		log.Debug("inbound message not admitted", "outcome", decision.Outcome)
		return nil
	}

	conversationID := localConversation(msg.ConversationID, identity)
	stored := domain.StoredMessage{
		ID:             msg.RecordID,
		ConversationID: conversationID,
		SenderID:       identity,
		ContentType:    msg.ContentType,
		Payload:        msg.Payload,
		SentAt:         msg.SentAt,
	}
	if err := p.Messages.UpsertMessage(ctx, stored); err != nil {
		return fmt.Errorf("store message %s: %w", stored.ID, err)
	}
	if err := p.Messages.TouchConversation(ctx, conversationID, now); err != nil {
		return fmt.Errorf("touch conversation %s: %w", conversationID, err)
	}
	log.Info("inbound message admitted", "conversation_id", conversationID)
	return nil
}

// localConversation maps the sender's view of a conversation onto ours: a
// group keeps its id, a direct conversation is named after the peer.
func localConversation(senderView, peer string) string {
	if _, ok := domain.GroupID(senderView); ok {
		return senderView
	}
	return domain.DirectConversation(peer)
}

func (p *Processor) drop(log *slog.Logger, reason string, err error) {
	observability.InboundDropped.WithLabelValues(reason).Inc()
	if err != nil {
		log.Warn("inbound envelope dropped", "reason", reason, "err", err)
		return
	}
	log.Warn("inbound envelope dropped", "reason", reason)
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
