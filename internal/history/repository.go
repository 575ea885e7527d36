// Package history serves scroll-back pages of a conversation from the local
// message cache, restoring date-scoped generations from the cloud archive
// when the cache runs short.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"courier/internal/domain"
	"courier/internal/observability"
	"courier/internal/util"
)

type MessageStore interface {
	// PageMessages returns up to limit messages newest first, strictly older
	// than before when it is set.
	PageMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]domain.StoredMessage, error)
}

type MetadataStore interface {
	// GetConversationMetadata returns a zero GenesisAt when nothing is recorded.
	GetConversationMetadata(ctx context.Context, conversationID string) (domain.ConversationMetadata, error)
	// SetGenesis stores at unless an older genesis is already recorded.
	SetGenesis(ctx context.Context, conversationID string, at time.Time) error
}

type Archive interface {
	// RestoreForDate merges the generation covering date into local storage
	// and reports how many records were newly imported.
	RestoreForDate(ctx context.Context, date time.Time) (int, error)
}

const defaultPageLimit = 50

type Repository struct {
	Messages MessageStore
	Metadata MetadataStore
	Archive  Archive
	Logger   *slog.Logger

	PageLimit int
	Now       func() time.Time

	restores singleflight.Group

	mu      sync.Mutex
	genesis map[string]time.Time
}

func (r *Repository) GetMessages(ctx context.Context, q domain.HistoryQuery) (domain.HistoryResult, error) {
	if q.ConversationID == "" {
		return domain.HistoryResult{}, fmt.Errorf("%w: conversation id", domain.ErrMissingFields)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = r.PageLimit
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}

	msgs, err := r.Messages.PageMessages(ctx, q.ConversationID, limit, q.Before)
	if err != nil {
		return domain.HistoryResult{}, fmt.Errorf("read page %s: %w", q.ConversationID, err)
	}
	if len(msgs) == limit {
		observability.HistoryQueries.WithLabelValues("fast").Inc()
		return r.result(ctx, q, msgs, r.now())
	}

	cursor := r.now()
	switch {
	case q.Before != nil:
		cursor = *q.Before
	case len(msgs) > 0:
		cursor = msgs[len(msgs)-1].SentAt
	}

	genesis, known, err := r.knownGenesis(ctx, q.ConversationID)
	if err != nil {
		return domain.HistoryResult{}, err
	}
	if known && !cursor.After(genesis) {
		observability.HistoryQueries.WithLabelValues("genesis").Inc()
		return r.result(ctx, q, msgs, cursor)
	}

	observability.HistoryQueries.WithLabelValues("slow").Inc()
	n, err := r.restore(ctx, cursor)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		return domain.HistoryResult{}, ctxErr
	}
	if err != nil {
		observability.ArchiveRestores.WithLabelValues("error").Inc()
		if !errors.Is(err, domain.ErrArchive) {
			err = fmt.Errorf("%w: %v", domain.ErrArchive, err)
		}
		return domain.HistoryResult{}, fmt.Errorf("restore %s for %s: %w", cursor.Format(time.DateOnly), q.ConversationID, err)
	}

	if n > 0 {
		observability.ArchiveRestores.WithLabelValues("imported").Inc()
		msgs, err = r.Messages.PageMessages(ctx, q.ConversationID, limit, q.Before)
		if err != nil {
			return domain.HistoryResult{}, fmt.Errorf("reread page %s: %w", q.ConversationID, err)
		}
	} else {
		observability.ArchiveRestores.WithLabelValues("empty").Inc()
		if err := r.Metadata.SetGenesis(ctx, q.ConversationID, cursor); err != nil {
			return domain.HistoryResult{}, fmt.Errorf("set genesis %s: %w", q.ConversationID, err)
		}
		r.remember(q.ConversationID, cursor)
		r.logger().Info("history genesis recorded", "conversation_id", q.ConversationID, "genesis_at", cursor)
	}
	return r.result(ctx, q, msgs, cursor)
}

// result compares the oldest returned message, or failing that the query
// bound or cursor, against whatever genesis is known now.
func (r *Repository) result(ctx context.Context, q domain.HistoryQuery, msgs []domain.StoredMessage, cursor time.Time) (domain.HistoryResult, error) {
	ref := cursor
	switch {
	case len(msgs) > 0:
		ref = msgs[len(msgs)-1].SentAt
	case q.Before != nil:
		ref = *q.Before
	}
	genesis, known, err := r.knownGenesis(ctx, q.ConversationID)
	if err != nil {
		return domain.HistoryResult{}, err
	}
	if msgs == nil {
		msgs = []domain.StoredMessage{}
	}
	return domain.HistoryResult{
		Messages:       msgs,
		GenesisReached: known && !ref.After(genesis),
	}, nil
}

// restore collapses concurrent restores of the same date into one archive call.
// The shared call outlives any single caller; each caller stops waiting when
// its own ctx ends.
func (r *Repository) restore(ctx context.Context, cursor time.Time) (int, error) {
	key := cursor.UTC().Format(time.DateOnly)
	ch := r.restores.DoChan(key, func() (any, error) {
		return r.Archive.RestoreForDate(context.WithoutCancel(ctx), cursor)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		if res.Shared {
			r.logger().Debug("history restore shared", "date", key)
		}
		return res.Val.(int), nil
	}
}

func (r *Repository) knownGenesis(ctx context.Context, conversationID string) (time.Time, bool, error) {
	r.mu.Lock()
	g, ok := r.genesis[conversationID]
	r.mu.Unlock()
	if ok {
		return g, true, nil
	}

	meta, err := r.Metadata.GetConversationMetadata(ctx, conversationID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read metadata %s: %w", conversationID, err)
	}
	if meta.GenesisAt == nil {
		return time.Time{}, false, nil
	}
	r.remember(conversationID, *meta.GenesisAt)
	return *meta.GenesisAt, true, nil
}

// remember caches at, keeping the older value when one is already cached.
func (r *Repository) remember(conversationID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.genesis == nil {
		r.genesis = make(map[string]time.Time)
	}
	if cur, ok := r.genesis[conversationID]; ok && cur.Before(at) {
		return
	}
	r.genesis[conversationID] = at
}

// DropCache forgets every cached genesis marker.
func (r *Repository) DropCache() {
	r.mu.Lock()
	r.genesis = nil
	r.mu.Unlock()
}

func (r *Repository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return util.NowUTC()
}

func (r *Repository) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
