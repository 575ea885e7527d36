// Package trust decides whether an inbound message from a possibly unknown
// sender is surfaced, held in quarantine, or dropped.
package trust

import (
	"context"
	"fmt"
	"log/slog"

	"courier/internal/domain"
	"courier/internal/observability"
)

type IdentityResolver interface {
	ResolveToCanonical(ctx context.Context, handle string) (string, error)
}

type AddressBook interface {
	GetContact(ctx context.Context, id string) (domain.Contact, bool, error)
}

type Directory interface {
	GetGroupRoster(ctx context.Context, groupID string) (domain.GroupRoster, error)
}

type QuarantineStore interface {
	Quarantine(ctx context.Context, m domain.QuarantinedMessage) error
	ListQuarantined(ctx context.Context, senderID string) ([]domain.QuarantinedMessage, error)
	DeleteQuarantined(ctx context.Context, senderID string) (int, error)
	ListPendingSenders(ctx context.Context) ([]domain.PendingSender, error)
}

type BlockList interface {
	BlockedIdentities(ctx context.Context) (domain.IdentitySet, error)
	Block(ctx context.Context, identity string) error
}

type Gatekeeper struct {
	Resolver   IdentityResolver
	Contacts   AddressBook
	Directory  Directory
	Quarantine QuarantineStore
	Blocks     BlockList
	Logger     *slog.Logger
}

// Process classifies one message. Admission reflects the contact list and
// group roster as they are right now; earlier admissions are never revisited.
func (g *Gatekeeper) Process(ctx context.Context, msg domain.InboundMessage, blocked domain.IdentitySet) (domain.TrustDecision, error) {
	if blocked.Contains(msg.SenderID) {
		return g.decide(domain.TrustDecision{Outcome: domain.Rejected}), nil
	}

	identity, err := g.Resolver.ResolveToCanonical(ctx, msg.SenderID)
	if err != nil {
		return domain.TrustDecision{}, fmt.Errorf("resolve sender %s: %w", msg.SenderID, err)
	}
	// block lists may hold canonical ids as well as handles
	if blocked.Contains(identity) {
		return g.decide(domain.TrustDecision{Outcome: domain.Rejected}), nil
	}

	_, known, err := g.Contacts.GetContact(ctx, identity)
	if err != nil {
		return domain.TrustDecision{}, fmt.Errorf("lookup contact %s: %w", identity, err)
	}
	if known {
		return g.decide(domain.TrustDecision{Outcome: domain.Admitted, Identity: identity}), nil
	}

	if groupID, ok := domain.GroupID(msg.ConversationID); ok {
		roster, err := g.Directory.GetGroupRoster(ctx, groupID)
		if err != nil {
			return domain.TrustDecision{}, fmt.Errorf("lookup roster %s: %w", groupID, err)
		}
		if roster.Members[identity] == domain.MemberJoined {
			return g.decide(domain.TrustDecision{Outcome: domain.Admitted, Identity: identity}), nil
		}
	}

	q := domain.QuarantinedMessage{
		MessageID:      msg.MessageID,
		SenderID:       identity,
		SenderHandle:   msg.SenderID,
		ConversationID: msg.ConversationID,
		ContentType:    msg.ContentType,
		Raw:            msg.Raw,
		SentAt:         msg.SentAt,
		ReceivedAt:     msg.ReceivedAt,
	}
	if err := g.Quarantine.Quarantine(ctx, q); err != nil {
		return domain.TrustDecision{}, fmt.Errorf("quarantine message from %s: %w", identity, err)
	}
	g.logger().Info("trust quarantined message", "sender_id", identity, "conversation_id", msg.ConversationID)
	return g.decide(domain.TrustDecision{Outcome: domain.Quarantined}), nil
}

func (g *Gatekeeper) decide(d domain.TrustDecision) domain.TrustDecision {
	observability.TrustDecisions.WithLabelValues(string(d.Outcome)).Inc()
	return d
}

// PendingSenders lists quarantined senders awaiting a decision.
func (g *Gatekeeper) PendingSenders(ctx context.Context) ([]domain.PendingSender, error) {
	return g.Quarantine.ListPendingSenders(ctx)
}

func (g *Gatekeeper) RetrieveForInspection(ctx context.Context, senderID string) ([]domain.QuarantinedMessage, error) {
	return g.Quarantine.ListQuarantined(ctx, senderID)
}

// Reject discards everything quarantined for the sender.
func (g *Gatekeeper) Reject(ctx context.Context, senderID string) (int, error) {
	n, err := g.Quarantine.DeleteQuarantined(ctx, senderID)
	if err != nil {
		return 0, fmt.Errorf("reject %s: %w", senderID, err)
	}
	return n, nil
}

// Block adds the sender to the block list and drops their quarantined
// messages.
func (g *Gatekeeper) Block(ctx context.Context, senderID string) (int, error) {
	if err := g.Blocks.Block(ctx, senderID); err != nil {
		return 0, fmt.Errorf("block %s: %w", senderID, err)
	}
	return g.Reject(ctx, senderID)
}

func (g *Gatekeeper) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
