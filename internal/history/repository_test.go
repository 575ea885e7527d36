package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/domain"
	"courier/internal/logging"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	msgs    map[string][]domain.StoredMessage
	genesis map[string]time.Time
	reads   int
	metaErr error
}

func newMemStore() *memStore {
	return &memStore{msgs: map[string][]domain.StoredMessage{}, genesis: map[string]time.Time{}}
}

func (s *memStore) add(conv string, n int, newest time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.msgs[conv] = append(s.msgs[conv], domain.StoredMessage{
			ID:             fmt.Sprintf("%s-%d-%d", conv, newest.Unix(), i),
			ConversationID: conv,
			SentAt:         newest.Add(-time.Duration(i) * time.Minute),
		})
	}
}

func (s *memStore) PageMessages(ctx context.Context, conv string, limit int, before *time.Time) ([]domain.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	var out []domain.StoredMessage
	for _, m := range s.msgs[conv] {
		if before == nil || m.SentAt.Before(*before) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetConversationMetadata(ctx context.Context, conv string) (domain.ConversationMetadata, error) {
	if s.metaErr != nil {
		return domain.ConversationMetadata{}, s.metaErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := domain.ConversationMetadata{ConversationID: conv}
	if g, ok := s.genesis[conv]; ok {
		meta.GenesisAt = &g
	}
	return meta, nil
}

func (s *memStore) SetGenesis(ctx context.Context, conv string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.genesis[conv]; ok && cur.Before(at) {
		return nil
	}
	s.genesis[conv] = at
	return nil
}

type fakeArchive struct {
	mu      sync.Mutex
	calls   []time.Time
	restore func(date time.Time) (int, error)

	// started and release, when set, hold the restore open until release closes.
	started chan struct{}
	release chan struct{}
}

func (a *fakeArchive) RestoreForDate(ctx context.Context, date time.Time) (int, error) {
	a.mu.Lock()
	a.calls = append(a.calls, date)
	if a.started != nil {
		close(a.started)
		a.started = nil
	}
	a.mu.Unlock()
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if a.restore == nil {
		return 0, nil
	}
	return a.restore(date)
}

func newRepo(store *memStore, archive *fakeArchive) *Repository {
	return &Repository{
		Messages: store,
		Metadata: store,
		Archive:  archive,
		Logger:   logging.Discard(),
		Now:      func() time.Time { return t0 },
	}
}

const conv = "urn:conv:direct:bob"

func TestFullPageNeverTouchesArchive(t *testing.T) {
	store := newMemStore()
	store.add(conv, 50, t0)
	archive := &fakeArchive{}
	repo := newRepo(store, archive)

	res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 10)
	assert.False(t, res.GenesisReached)
	assert.Empty(t, archive.calls)
	assert.True(t, res.Messages[0].SentAt.After(res.Messages[9].SentAt))
}

func TestShortPageHydratesFromArchive(t *testing.T) {
	store := newMemStore()
	store.add(conv, 2, t0)
	archive := &fakeArchive{}
	archive.restore = func(date time.Time) (int, error) {
		store.add(conv, 50, t0.Add(-time.Hour))
		return 50, nil
	}
	repo := newRepo(store, archive)

	res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 10)
	assert.False(t, res.GenesisReached)
	require.Len(t, archive.calls, 1)
	// cursor is the oldest message already held
	assert.Equal(t, t0.Add(-time.Minute), archive.calls[0])
	assert.Equal(t, 2, store.reads)

	meta, err := store.GetConversationMetadata(context.Background(), conv)
	require.NoError(t, err)
	assert.Nil(t, meta.GenesisAt)
}

func TestEmptyArchiveRecordsGenesisAtCursor(t *testing.T) {
	store := newMemStore()
	archive := &fakeArchive{}
	repo := newRepo(store, archive)

	res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.NotNil(t, res.Messages)
	assert.True(t, res.GenesisReached)

	meta, err := store.GetConversationMetadata(context.Background(), conv)
	require.NoError(t, err)
	require.NotNil(t, meta.GenesisAt)
	assert.Equal(t, t0, *meta.GenesisAt)
}

func TestExplicitBoundIsTheCursor(t *testing.T) {
	store := newMemStore()
	archive := &fakeArchive{}
	repo := newRepo(store, archive)
	before := t0.Add(-48 * time.Hour)

	res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10, Before: &before})
	require.NoError(t, err)
	assert.True(t, res.GenesisReached)
	require.Len(t, archive.calls, 1)
	assert.Equal(t, before, archive.calls[0])
}

func TestKnownGenesisSkipsArchive(t *testing.T) {
	store := newMemStore()
	g := t0.Add(-24 * time.Hour)
	store.genesis[conv] = g
	archive := &fakeArchive{}
	repo := newRepo(store, archive)

	for _, before := range []time.Time{g, g.Add(-time.Hour)} {
		res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10, Before: &before})
		require.NoError(t, err)
		assert.True(t, res.GenesisReached)
	}
	assert.Empty(t, archive.calls)
}

func TestGenesisNeverMovesForward(t *testing.T) {
	store := newMemStore()
	g := t0.Add(-24 * time.Hour)
	store.genesis[conv] = g
	archive := &fakeArchive{}
	repo := newRepo(store, archive)

	// a later cursor still consults the archive but cannot move genesis
	res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, archive.calls, 1)
	assert.False(t, res.GenesisReached)

	meta, err := store.GetConversationMetadata(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, g, *meta.GenesisAt)

	older := g.Add(-time.Hour)
	_, err = repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10, Before: &older})
	require.NoError(t, err)
	assert.Len(t, archive.calls, 1)
}

func TestGenesisCachedAfterFirstLookup(t *testing.T) {
	store := newMemStore()
	archive := &fakeArchive{}
	repo := newRepo(store, archive)

	_, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10})
	require.NoError(t, err)

	store.metaErr = errors.New("storage offline")
	res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10})
	require.NoError(t, err)
	assert.True(t, res.GenesisReached)
	assert.Len(t, archive.calls, 1)

	repo.DropCache()
	_, err = repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10})
	assert.Error(t, err)
}

func TestArchiveFailureLeavesGenesisUntouched(t *testing.T) {
	store := newMemStore()
	archive := &fakeArchive{restore: func(time.Time) (int, error) {
		return 0, errors.New("access denied")
	}}
	repo := newRepo(store, archive)

	_, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv, Limit: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrArchive)

	meta, err := store.GetConversationMetadata(context.Background(), conv)
	require.NoError(t, err)
	assert.Nil(t, meta.GenesisAt)
}

func TestMissingConversationID(t *testing.T) {
	repo := newRepo(newMemStore(), &fakeArchive{})
	_, err := repo.GetMessages(context.Background(), domain.HistoryQuery{Limit: 10})
	assert.ErrorIs(t, err, domain.ErrMissingFields)
}

func TestDefaultPageLimit(t *testing.T) {
	store := newMemStore()
	store.add(conv, 60, t0)
	repo := newRepo(store, &fakeArchive{})
	repo.PageLimit = 25

	res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: conv})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 25)
}

func TestAbandonedRestoreDoesNotFailSharers(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	archive := &fakeArchive{started: started, release: make(chan struct{})}
	repo := newRepo(store, archive)
	carol := "urn:conv:direct:carol"

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := repo.GetMessages(ctxA, domain.HistoryQuery{ConversationID: conv, Limit: 10})
		errA <- err
	}()
	<-started

	type outcome struct {
		res domain.HistoryResult
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := repo.GetMessages(context.Background(), domain.HistoryQuery{ConversationID: carol, Limit: 10})
		doneB <- outcome{res, err}
	}()
	// let the second caller join the in-flight restore
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(archive.release)
	b := <-doneB
	require.NoError(t, b.err)
	assert.True(t, b.res.GenesisReached)

	meta, err := store.GetConversationMetadata(context.Background(), carol)
	require.NoError(t, err)
	require.NotNil(t, meta.GenesisAt)
	assert.Equal(t, t0, *meta.GenesisAt)
}
