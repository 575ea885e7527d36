package trust

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/domain"
	"courier/internal/logging"
)

// handles look like "mailto:<id>"; anything else resolves to itself
type prefixResolver struct{ calls int }

func (r *prefixResolver) ResolveToCanonical(ctx context.Context, handle string) (string, error) {
	r.calls++
	if handle == "" {
		return "", errors.New("empty handle")
	}
	return strings.TrimPrefix(handle, "mailto:"), nil
}

type mapContacts map[string]domain.Contact

func (m mapContacts) GetContact(ctx context.Context, id string) (domain.Contact, bool, error) {
	c, ok := m[id]
	return c, ok, nil
}

type mapDirectory map[string]domain.GroupRoster

func (m mapDirectory) GetGroupRoster(ctx context.Context, groupID string) (domain.GroupRoster, error) {
	r, ok := m[groupID]
	if !ok {
		return domain.GroupRoster{GroupID: groupID}, nil
	}
	return r, nil
}

type memQuarantine struct {
	bySender map[string][]domain.QuarantinedMessage
	err      error
}

func newMemQuarantine() *memQuarantine {
	return &memQuarantine{bySender: map[string][]domain.QuarantinedMessage{}}
}

func (q *memQuarantine) Quarantine(ctx context.Context, m domain.QuarantinedMessage) error {
	if q.err != nil {
		return q.err
	}
	q.bySender[m.SenderID] = append(q.bySender[m.SenderID], m)
	return nil
}

func (q *memQuarantine) ListQuarantined(ctx context.Context, senderID string) ([]domain.QuarantinedMessage, error) {
	return q.bySender[senderID], nil
}

func (q *memQuarantine) DeleteQuarantined(ctx context.Context, senderID string) (int, error) {
	n := len(q.bySender[senderID])
	delete(q.bySender, senderID)
	return n, nil
}

func (q *memQuarantine) ListPendingSenders(ctx context.Context) ([]domain.PendingSender, error) {
	var out []domain.PendingSender
	for id, msgs := range q.bySender {
		out = append(out, domain.PendingSender{SenderID: id, MessageCount: len(msgs)})
	}
	return out, nil
}

func (q *memQuarantine) total() int {
	n := 0
	for _, msgs := range q.bySender {
		n += len(msgs)
	}
	return n
}

type memBlocks struct{ set domain.IdentitySet }

func (b *memBlocks) BlockedIdentities(ctx context.Context) (domain.IdentitySet, error) { return b.set, nil }
func (b *memBlocks) Block(ctx context.Context, id string) error {
	b.set[id] = struct{}{}
	return nil
}

type fixture struct {
	gk       *Gatekeeper
	resolver *prefixResolver
	q        *memQuarantine
	blocks   *memBlocks
}

func newFixture() fixture {
	f := fixture{
		resolver: &prefixResolver{},
		q:        newMemQuarantine(),
		blocks:   &memBlocks{set: domain.NewIdentitySet()},
	}
	f.gk = &Gatekeeper{
		Resolver: f.resolver,
		Contacts: mapContacts{"bob": {ID: "bob", DisplayName: "Bob"}},
		Directory: mapDirectory{
			"g1": {GroupID: "g1", Members: map[string]domain.MembershipState{
				"carol": domain.MemberJoined,
				"dave":  domain.MemberInvited,
				"erin":  domain.MemberDeclined,
			}},
		},
		Quarantine: f.q,
		Blocks:     f.blocks,
		Logger:     logging.Discard(),
	}
	return f
}

func inbound(sender, conversation string) domain.InboundMessage {
	return domain.InboundMessage{
		MessageID:      "m-" + sender,
		SenderID:       sender,
		ConversationID: conversation,
		ContentType:    "text/plain",
		Raw:            []byte("opaque"),
		ReceivedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBlockedSenderRejectedBeforeAnyLookup(t *testing.T) {
	f := newFixture()
	blocked := domain.NewIdentitySet("mailto:bob")

	d, err := f.gk.Process(context.Background(), inbound("mailto:bob", domain.DirectConversation("me")), blocked)
	require.NoError(t, err)
	assert.Equal(t, domain.Rejected, d.Outcome)
	_, ok := d.Admitted()
	assert.False(t, ok)
	assert.Equal(t, 0, f.resolver.calls)
	assert.Equal(t, 0, f.q.total())
}

func TestBlockedCanonicalIdentityRejectedEvenIfContact(t *testing.T) {
	f := newFixture()

	d, err := f.gk.Process(context.Background(), inbound("mailto:bob", domain.DirectConversation("me")), domain.NewIdentitySet("bob"))
	require.NoError(t, err)
	assert.Equal(t, domain.Rejected, d.Outcome)
	assert.Equal(t, 0, f.q.total())
}

func TestContactAdmittedInAnyConversation(t *testing.T) {
	f := newFixture()
	for _, conv := range []string{domain.DirectConversation("me"), domain.GroupConversation("g1"), domain.GroupConversation("other")} {
		d, err := f.gk.Process(context.Background(), inbound("mailto:bob", conv), domain.NewIdentitySet())
		require.NoError(t, err)
		id, ok := d.Admitted()
		assert.True(t, ok, conv)
		assert.Equal(t, "bob", id)
	}
	assert.Equal(t, 0, f.q.total())
}

func TestGroupRosterGating(t *testing.T) {
	cases := []struct {
		sender string
		want   domain.TrustOutcome
	}{
		{"carol", domain.Admitted},
		{"dave", domain.Quarantined},
		{"erin", domain.Quarantined},
		{"frank", domain.Quarantined},
	}
	for _, tc := range cases {
		t.Run(tc.sender, func(t *testing.T) {
			f := newFixture()
			d, err := f.gk.Process(context.Background(), inbound(tc.sender, domain.GroupConversation("g1")), domain.NewIdentitySet())
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Outcome)
		})
	}
}

func TestJoinedMemberOfAnotherGroupIsQuarantined(t *testing.T) {
	f := newFixture()
	d, err := f.gk.Process(context.Background(), inbound("carol", domain.GroupConversation("g2")), domain.NewIdentitySet())
	require.NoError(t, err)
	assert.Equal(t, domain.Quarantined, d.Outcome)
}

func TestStrangerInDirectConversationQuarantinedVerbatim(t *testing.T) {
	f := newFixture()
	msg := inbound("mailto:zed", domain.DirectConversation("me"))

	d, err := f.gk.Process(context.Background(), msg, domain.NewIdentitySet())
	require.NoError(t, err)
	assert.Equal(t, domain.Quarantined, d.Outcome)

	held, err := f.gk.RetrieveForInspection(context.Background(), "zed")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, []byte("opaque"), held[0].Raw)
	assert.Equal(t, "mailto:zed", held[0].SenderHandle)

	pending, err := f.gk.PendingSenders(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "zed", pending[0].SenderID)

	n, err := f.gk.Reject(context.Background(), "zed")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.q.total())
}

func TestBlockDropsQuarantineAndRejectsLaterMessages(t *testing.T) {
	f := newFixture()
	_, err := f.gk.Process(context.Background(), inbound("zed", domain.DirectConversation("me")), domain.NewIdentitySet())
	require.NoError(t, err)

	n, err := f.gk.Block(context.Background(), "zed")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	blocked, _ := f.blocks.BlockedIdentities(context.Background())
	d, err := f.gk.Process(context.Background(), inbound("zed", domain.DirectConversation("me")), blocked)
	require.NoError(t, err)
	assert.Equal(t, domain.Rejected, d.Outcome)
	assert.Equal(t, 0, f.q.total())
}

func TestQuarantineStorageErrorPropagates(t *testing.T) {
	f := newFixture()
	f.q.err = errors.New("disk full")

	_, err := f.gk.Process(context.Background(), inbound("zed", domain.DirectConversation("me")), domain.NewIdentitySet())
	assert.Error(t, err)
}

func TestResolverErrorPropagates(t *testing.T) {
	f := newFixture()
	_, err := f.gk.Process(context.Background(), inbound("", domain.DirectConversation("me")), domain.NewIdentitySet())
	assert.Error(t, err)
}
