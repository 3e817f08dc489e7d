package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestStoreWebpage_HashFormat(t *testing.T) {
	l := newTestLedger(t)

	r, err := l.StoreWebpage(context.Background(), "mysite", "bafkreiaaa")
	require.NoError(t, err)

	assert.Len(t, r.TxHash, 66)
	assert.True(t, strings.HasPrefix(r.TxHash, "0x"))
	assert.Equal(t, uint64(1), r.Block)
	assert.Equal(t, "local block 1", r.Info())
}

func TestStoreWebpage_DistinctAndChained(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	r1, err := l.StoreWebpage(ctx, "mysite", "bafkreiaaa")
	require.NoError(t, err)
	// Same pair again still gets a fresh transaction.
	r2, err := l.StoreWebpage(ctx, "mysite", "bafkreiaaa")
	require.NoError(t, err)

	assert.NotEqual(t, r1.TxHash, r2.TxHash)
	assert.Equal(t, uint64(2), r2.Block)
	assert.NoError(t, l.Verify(ctx))
}

func TestLookup_LatestWins(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.StoreWebpage(ctx, "mysite", "bafkreiold")
	require.NoError(t, err)
	r, err := l.StoreWebpage(ctx, "mysite", "bafkreinew")
	require.NoError(t, err)
	_, err = l.StoreWebpage(ctx, "other", "bafkreiother")
	require.NoError(t, err)

	rec, err := l.Lookup(ctx, "mysite")
	require.NoError(t, err)
	assert.Equal(t, "bafkreinew", rec.CID)
	assert.Equal(t, r.TxHash, rec.TxHash)
}

func TestLookup_Unknown(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Lookup(context.Background(), "nowhere")
	assert.True(t, errors.Is(err, ErrUnknownDomain))
}

func TestStoreWebpage_CanceledContext(t *testing.T) {
	l := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.StoreWebpage(ctx, "mysite", "bafkreiaaa")
	assert.ErrorIs(t, err, context.Canceled)
}
