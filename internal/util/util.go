package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs sort by creation time, which keeps task fetch order stable.
func NewTaskID() string {
	return "task_" + ulid.MustNew(ulid.Timestamp(NowUTC()), rand.Reader).String()
}

func NewMessageID() string {
	return "msg_" + ulid.MustNew(ulid.Timestamp(NowUTC()), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
