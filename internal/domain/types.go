package domain

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// OutboundTask is one composed message fanned out to every recipient.
// Status is derived from the recipients; see TerminalStatus.
type OutboundTask struct {
	ID             string              `json:"id"`
	MessageID      string              `json:"messageId"`
	ConversationID string              `json:"conversationId"`
	ContentType    string              `json:"contentType"`
	Payload        []byte              `json:"payload"`
	Tags           []string            `json:"tags,omitempty"`
	Status         TaskStatus          `json:"status"`
	// Exhausted marks a failed task whose unsent recipients will not be retried.
	Exhausted      bool                `json:"exhausted,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	Recipients     []RecipientProgress `json:"recipients"`
}

type RecipientProgress struct {
	RecipientID   string          `json:"recipientId"`
	Status        RecipientStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

// TerminalStatus is completed iff every recipient is sent.
func (t OutboundTask) TerminalStatus() TaskStatus {
	for _, r := range t.Recipients {
		if r.Status != RecipientSent {
			return TaskFailed
		}
	}
	return TaskCompleted
}

// NewTask is what a producer hands to the outbox.
type NewTask struct {
	MessageID      string
	ConversationID string
	ContentType    string
	Payload        []byte
	Tags           []string
	Recipients     []string
}

func (n NewTask) Validate() error {
	if n.ConversationID == "" || n.ContentType == "" || len(n.Recipients) == 0 {
		return ErrMissingFields
	}
	for _, r := range n.Recipients {
		if strings.TrimSpace(r) == "" {
			return ErrMissingFields
		}
	}
	return nil
}

// TransportMessage is the plaintext handed to the crypto layer.
type TransportMessage struct {
	SenderID       string    `json:"senderId"`
	SentAt         time.Time `json:"sentAt"`
	ContentType    string    `json:"contentType"`
	Payload        []byte    `json:"payload"`
	RecordID       string    `json:"recordId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Tags           []string  `json:"tags,omitempty"`
}

// SecureEnvelope is the wire object produced by the crypto engine.
type SecureEnvelope struct {
	SenderID         string `json:"senderId"`
	RecipientID      string `json:"recipientId"`
	MessageID        string `json:"messageId"`
	EncryptedKey     []byte `json:"encryptedKey"`
	EncryptedPayload []byte `json:"encryptedPayload"`
	Signature        []byte `json:"signature"`
}

// PublicKeys is what an identity publishes to the key directory.
type PublicKeys struct {
	Encryption []byte `json:"encryption"`
	Signing    []byte `json:"signing"`
}

type KeyPair struct {
	Public            PublicKeys `json:"public"`
	EncryptionPrivate []byte     `json:"encryptionPrivate"`
	SigningPrivate    []byte     `json:"signingPrivate"`
}

// StoredMessage is a row of the local message cache.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ContentType    string    `json:"contentType"`
	Payload        []byte    `json:"payload"`
	SentAt         time.Time `json:"sentAt"`
}

// ConversationMetadata.GenesisAt, once set, means no messages exist at or
// before it. It may only move backwards.
type ConversationMetadata struct {
	ConversationID string     `json:"conversationId"`
	LastSyncedAt   time.Time  `json:"lastSyncedAt"`
	GenesisAt      *time.Time `json:"genesisAt,omitempty"`
}

type HistoryQuery struct {
	ConversationID string
	Limit          int
	Before         *time.Time
}

type HistoryResult struct {
	Messages       []StoredMessage `json:"messages"`
	GenesisReached bool            `json:"genesisReached"`
}
