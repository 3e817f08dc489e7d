package namesvc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_NameEmbedsKey(t *testing.T) {
	n, err := Create()
	require.NoError(t, err)

	pub, err := PublicKey(n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Key.Public(), pub)
	assert.Equal(t, byte('k'), n.ID[0])
}

func TestPublicKey_Invalid(t *testing.T) {
	for _, name := range []string{"", "x", "k!!!", "kaaaa"} {
		_, err := PublicKey(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestPublishResolve_SuccessiveUpdates(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	n, _ := Create()

	rev := V0(n.ID, IPFSPath("bafkrei0"))
	require.NoError(t, svc.Publish(ctx, rev, n.Key))

	cids := []string{"bafkrei1", "bafkrei2", "bafkrei3"}
	var lastSeq uint64
	for _, c := range cids {
		cur, err := svc.Resolve(ctx, n.ID)
		require.NoError(t, err)

		next := Increment(cur, IPFSPath(c))
		require.NoError(t, svc.Publish(ctx, next, n.Key))
		assert.Greater(t, next.Sequence, cur.Sequence)
		lastSeq = next.Sequence
	}

	got, err := svc.Resolve(ctx, n.ID)
	require.NoError(t, err)
	cid, ok := CIDOf(got)
	assert.True(t, ok)
	assert.Equal(t, "bafkrei3", cid)
	assert.Equal(t, uint64(3), lastSeq)
	assert.Equal(t, lastSeq, got.Sequence)
}

func TestPublish_RejectsStaleSequence(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	n, _ := Create()

	require.NoError(t, svc.Publish(ctx, V0(n.ID, IPFSPath("a")), n.Key))

	// A second v0 for the same name must not replace the first.
	err := svc.Publish(ctx, V0(n.ID, IPFSPath("b")), n.Key)
	assert.ErrorIs(t, err, ErrStaleSequence)

	got, _ := svc.Resolve(ctx, n.ID)
	assert.Equal(t, IPFSPath("a"), got.Value)
}

func TestPublish_WrongKey(t *testing.T) {
	svc := New(NewMemoryStore())
	n, _ := Create()
	other, _ := Create()

	err := svc.Publish(context.Background(), V0(n.ID, IPFSPath("a")), other.Key)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestAccept_ForgedSignature(t *testing.T) {
	svc := New(NewMemoryStore())
	n, _ := Create()
	_, forger, _ := ed25519.GenerateKey(rand.Reader)

	rev := V0(n.ID, IPFSPath("evil"))
	rev.Signature = ed25519.Sign(forger, rev.signingBytes())

	err := svc.Accept(context.Background(), rev)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestAccept_TamperedValue(t *testing.T) {
	svc := New(NewMemoryStore())
	n, _ := Create()

	rev := V0(n.ID, IPFSPath("good"))
	require.NoError(t, rev.Sign(n.Key))
	rev.Value = IPFSPath("evil")

	assert.ErrorIs(t, svc.Accept(context.Background(), rev), ErrBadSignature)
}

func TestResolve_NotFound(t *testing.T) {
	svc := New(NewMemoryStore())
	n, _ := Create()

	_, err := svc.Resolve(context.Background(), n.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_Expired(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	n, _ := Create()
	require.NoError(t, svc.Publish(ctx, V0(n.ID, IPFSPath("a")), n.Key))

	svc.now = func() time.Time { return time.Now().Add(2 * Validity) }

	_, err := svc.Resolve(ctx, n.ID)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "namesvc-test-" + xid.New().String() + ":"
	svc := New(NewRedisStore(client, prefix))
	n, _ := Create()
	t.Cleanup(func() { client.Del(context.Background(), prefix+n.ID) })

	_, err := svc.Resolve(ctx, n.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	rev := V0(n.ID, IPFSPath("bafkrei0"))
	require.NoError(t, svc.Publish(ctx, rev, n.Key))
	require.NoError(t, svc.Publish(ctx, Increment(rev, IPFSPath("bafkrei1")), n.Key))
	assert.ErrorIs(t, svc.Publish(ctx, V0(n.ID, IPFSPath("x")), n.Key), ErrStaleSequence)

	got, err := svc.Resolve(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Sequence)
	assert.Equal(t, IPFSPath("bafkrei1"), got.Value)
}
