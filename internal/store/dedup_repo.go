package store

import (
	"context"
	"time"
)

// DedupRepo records inbound channel messages so provider retries are handled
// once.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)
	// PurgeInbound deletes records received before the cutoff and returns how
	// many were removed.
	PurgeInbound(ctx context.Context, before time.Time) (int64, error)
}
