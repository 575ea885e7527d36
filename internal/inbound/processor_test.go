package inbound

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/crypto"
	"courier/internal/domain"
	"courier/internal/logging"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type mapKeys map[string]domain.PublicKeys

func (m mapKeys) GetPublicKey(ctx context.Context, id string) (domain.PublicKeys, error) {
	k, ok := m[id]
	if !ok {
		return domain.PublicKeys{}, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
	}
	return k, nil
}

type fakeTrust struct {
	decision domain.TrustDecision
	err      error
	seen     []domain.InboundMessage
	blocked  domain.IdentitySet
}

func (f *fakeTrust) Process(ctx context.Context, msg domain.InboundMessage, blocked domain.IdentitySet) (domain.TrustDecision, error) {
	f.seen = append(f.seen, msg)
	f.blocked = blocked
	return f.decision, f.err
}

type staticBlocks struct{ set domain.IdentitySet }

func (s staticBlocks) BlockedIdentities(ctx context.Context) (domain.IdentitySet, error) {
	return s.set, nil
}

type memMessages struct {
	rows    map[string]domain.StoredMessage
	touched map[string]time.Time
	err     error
}

func (m *memMessages) UpsertMessage(ctx context.Context, msg domain.StoredMessage) error {
	if m.err != nil {
		return m.err
	}
	m.rows[msg.ID] = msg
	return nil
}

func (m *memMessages) TouchConversation(ctx context.Context, conv string, at time.Time) error {
	m.touched[conv] = at
	return nil
}

type fixture struct {
	p      *Processor
	alice  domain.KeyPair
	trust  *fakeTrust
	stored *memMessages
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	alice, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	f := fixture{
		alice:  alice,
		trust:  &fakeTrust{decision: domain.TrustDecision{Outcome: domain.Admitted, Identity: "alice"}},
		stored: &memMessages{rows: map[string]domain.StoredMessage{}, touched: map[string]time.Time{}},
	}
	f.p = &Processor{
		IdentityID: "bob",
		Keys:       bob,
		Directory:  mapKeys{"alice": alice.Public, "bob": bob.Public},
		Crypto:     crypto.Engine{},
		Trust:      f.trust,
		Blocks:     staticBlocks{set: domain.NewIdentitySet("mallory")},
		Messages:   f.stored,
		Logger:     logging.Discard(),
		Now:        func() time.Time { return t0 },
	}
	return f
}

func (f fixture) seal(t *testing.T, conv string) domain.SecureEnvelope {
	t.Helper()
	msg := domain.TransportMessage{
		SenderID:       "alice",
		SentAt:         t0.Add(-time.Minute),
		ContentType:    "text/plain",
		Payload:        []byte("hi bob"),
		RecordID:       "msg_1",
		ConversationID: conv,
	}
	env, err := crypto.Engine{}.EncryptAndSign(msg, "bob", f.alice, f.p.Keys.Public)
	require.NoError(t, err)
	return env
}

func TestAdmittedDirectMessageStoredUnderPeerConversation(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.p.Process(context.Background(), f.seal(t, domain.DirectConversation("bob"))))

	row, ok := f.stored.rows["msg_1"]
	require.True(t, ok)
	assert.Equal(t, domain.DirectConversation("alice"), row.ConversationID)
	assert.Equal(t, "alice", row.SenderID)
	assert.Equal(t, []byte("hi bob"), row.Payload)
	assert.Equal(t, t0, f.stored.touched[domain.DirectConversation("alice")])

	require.Len(t, f.trust.seen, 1)
	assert.Equal(t, t0, f.trust.seen[0].ReceivedAt)
	assert.True(t, f.trust.blocked.Contains("mallory"))
}

func TestReplayedEnvelopeUpsertsSameRow(t *testing.T) {
	f := newFixture(t)
	env := f.seal(t, domain.GroupConversation("g1"))

	require.NoError(t, f.p.Process(context.Background(), env))
	require.NoError(t, f.p.Process(context.Background(), env))
	assert.Len(t, f.stored.rows, 1)
	assert.Equal(t, domain.GroupConversation("g1"), f.stored.rows["msg_1"].ConversationID)
}

func TestQuarantinedMessageNotStored(t *testing.T) {
	f := newFixture(t)
	f.trust.decision = domain.TrustDecision{Outcome: domain.Quarantined}

	require.NoError(t, f.p.Process(context.Background(), f.seal(t, domain.DirectConversation("bob"))))
	assert.Empty(t, f.stored.rows)
	assert.Empty(t, f.stored.touched)
}

func TestUndecryptableEnvelopeDroppedWithoutError(t *testing.T) {
	f := newFixture(t)
	env := f.seal(t, domain.DirectConversation("bob"))
	env.EncryptedPayload[0] ^= 0xff

	require.NoError(t, f.p.Process(context.Background(), env))
	assert.Empty(t, f.trust.seen)
	assert.Empty(t, f.stored.rows)
}

func TestMisaddressedAndUnknownSenderDropped(t *testing.T) {
	f := newFixture(t)

	env := f.seal(t, domain.DirectConversation("bob"))
	env.RecipientID = "carol"
	require.NoError(t, f.p.Process(context.Background(), env))

	env = f.seal(t, domain.DirectConversation("bob"))
	env.SenderID = "stranger"
	require.NoError(t, f.p.Process(context.Background(), env))

	assert.Empty(t, f.trust.seen)
}

type stubDecrypter struct{ msg domain.TransportMessage }

func (s stubDecrypter) Decrypt(env domain.SecureEnvelope, own domain.KeyPair, sender domain.PublicKeys) (domain.TransportMessage, error) {
	return s.msg, nil
}

func TestEnvelopeWithoutRecordIDDropped(t *testing.T) {
	f := newFixture(t)
	env := f.seal(t, domain.DirectConversation("bob"))
	env.MessageID = ""
	require.NoError(t, f.p.Process(context.Background(), env))
	assert.Empty(t, f.trust.seen)

	// two distinct messages that both lack a record id must not share a row
	f.p.Crypto = stubDecrypter{msg: domain.TransportMessage{
		SenderID:       "alice",
		Payload:        []byte("first"),
		ConversationID: domain.DirectConversation("bob"),
	}}
	env = f.seal(t, domain.DirectConversation("bob"))
	require.NoError(t, f.p.Process(context.Background(), env))
	require.NoError(t, f.p.Process(context.Background(), env))

	assert.Empty(t, f.trust.seen)
	assert.Empty(t, f.stored.rows)
}

func TestStorageAndClassifierErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.stored.err = errors.New("disk full")
	assert.Error(t, f.p.Process(context.Background(), f.seal(t, domain.DirectConversation("bob"))))

	f = newFixture(t)
	f.trust.err = errors.New("roster unavailable")
	assert.Error(t, f.p.Process(context.Background(), f.seal(t, domain.DirectConversation("bob"))))
}
