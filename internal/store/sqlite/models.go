package sqlite

import "time"

type taskRow struct {
	ID             string    `gorm:"primaryKey;size:40"`
	MessageID      string    `gorm:"size:64;not null"`
	ConversationID string    `gorm:"size:128;not null"`
	ContentType    string    `gorm:"size:64"`
	Payload        []byte    `gorm:"not null"`
	Tags           string    `gorm:"type:text"`
	Status         string    `gorm:"size:16;index:idx_task_status_created"`
	Recipients     string    `gorm:"type:text"`
	Exhausted      bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false;index:idx_task_status_created"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false"`
}

func (taskRow) TableName() string { return "outbound_tasks" }

type messageRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:128;index:idx_msg_conv_sent"`
	SenderID       string    `gorm:"size:128"`
	ContentType    string    `gorm:"size:64"`
	Payload        []byte    `gorm:"not null"`
	SentAt         time.Time `gorm:"index:idx_msg_conv_sent"`
}

func (messageRow) TableName() string { return "messages" }

type metadataRow struct {
	ConversationID string `gorm:"primaryKey;size:128"`
	LastSyncedAt   *time.Time
	GenesisAt      *time.Time
}

func (metadataRow) TableName() string { return "conversation_metadata" }

type quarantineRow struct {
	SenderID       string `gorm:"primaryKey;size:128"`
	MessageID      string `gorm:"primaryKey;size:64"`
	SenderHandle   string `gorm:"size:128"`
	ConversationID string `gorm:"size:128"`
	ContentType    string `gorm:"size:64"`
	Raw            []byte
	SentAt         time.Time
	ReceivedAt     time.Time
}

func (quarantineRow) TableName() string { return "quarantined_messages" }

type contactRow struct {
	ID          string `gorm:"primaryKey;size:128"`
	DisplayName string `gorm:"size:128"`
}

func (contactRow) TableName() string { return "contacts" }

type memberRow struct {
	GroupID  string `gorm:"primaryKey;size:128"`
	Identity string `gorm:"primaryKey;size:128"`
	State    string `gorm:"size:16"`
}

func (memberRow) TableName() string { return "group_members" }

type aliasRow struct {
	Handle   string `gorm:"primaryKey;size:128"`
	Identity string `gorm:"size:128;not null"`
}

func (aliasRow) TableName() string { return "identity_aliases" }

type keyRow struct {
	Identity   string `gorm:"primaryKey;size:128"`
	Encryption []byte
	Signing    []byte
}

func (keyRow) TableName() string { return "public_keys" }

type blockRow struct {
	Identity  string `gorm:"primaryKey;size:128"`
	BlockedAt time.Time
}

func (blockRow) TableName() string { return "blocked_identities" }

func allModels() []any {
	return []any{
		&taskRow{}, &messageRow{}, &metadataRow{}, &quarantineRow{},
		&contactRow{}, &memberRow{}, &aliasRow{}, &keyRow{}, &blockRow{},
	}
}
