package domain

import "time"

type TrustOutcome string

const (
	Rejected    TrustOutcome = "rejected"
	Admitted    TrustOutcome = "admitted"
	Quarantined TrustOutcome = "quarantined"
)

// TrustDecision is not persisted. Identity is set only when Admitted.
type TrustDecision struct {
	Outcome  TrustOutcome
	Identity string
}

func (d TrustDecision) Admitted() (string, bool) {
	return d.Identity, d.Outcome == Admitted
}

type MembershipState string

const (
	MemberJoined   MembershipState = "joined"
	MemberInvited  MembershipState = "invited"
	MemberDeclined MembershipState = "declined"
	MemberLeft     MembershipState = "left"
)

type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type GroupRoster struct {
	GroupID string                     `json:"groupId"`
	Members map[string]MembershipState `json:"members"`
}

// InboundMessage is decrypted enough to know who sent it and where.
// Raw is kept verbatim and never parsed by the trust layer.
type InboundMessage struct {
	MessageID      string
	SenderID       string
	ConversationID string
	ContentType    string
	Raw            []byte
	SentAt         time.Time
	ReceivedAt     time.Time
}

type QuarantinedMessage struct {
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	SenderHandle   string    `json:"senderHandle"`
	ConversationID string    `json:"conversationId"`
	ContentType    string    `json:"contentType"`
	Raw            []byte    `json:"raw"`
	SentAt         time.Time `json:"sentAt"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// PendingSender is one entry of the pending-requests list.
type PendingSender struct {
	SenderID      string    `json:"senderId"`
	MessageCount  int       `json:"messageCount"`
	FirstReceived time.Time `json:"firstReceived"`
	LastReceived  time.Time `json:"lastReceived"`
}

type IdentitySet map[string]struct{}

func NewIdentitySet(ids ...string) IdentitySet {
	s := make(IdentitySet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IdentitySet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}
