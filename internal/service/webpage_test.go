package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/cid"
	"github.com/sakif/webdeploy/internal/contentstore"
	contentlocal "github.com/sakif/webdeploy/internal/contentstore/local"
	"github.com/sakif/webdeploy/internal/keystore"
	ledgerlocal "github.com/sakif/webdeploy/internal/ledger/local"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/namesvc"
	"github.com/sakif/webdeploy/internal/publish"
	"github.com/sakif/webdeploy/internal/repository/sqlite"
	"github.com/sakif/webdeploy/internal/search"
)

type webpageHarness struct {
	svc   *WebpageService
	db    *sqlite.DB
	index *search.Index
}

// newWebpageHarness wires the service to in-memory versions of every real backend.
func newWebpageHarness(t *testing.T) *webpageHarness {
	t.Helper()
	logger := discardLogger()

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hasher, err := cid.NewHasher("")
	require.NoError(t, err)
	store, err := contentlocal.Open("", hasher, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger, err := ledgerlocal.Open("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	vault, err := keystore.New(db, "vault-secret-for-tests")
	require.NoError(t, err)

	index := search.New(db, store, time.Minute, logger)
	names := namesvc.New(namesvc.NewMemoryStore())
	wf := publish.New(db, db, store, ledger, names, vault, index, publish.Options{}, logger)

	return &webpageHarness{
		svc:   NewWebpageService(wf, db, index, logger),
		db:    db,
		index: index,
	}
}

func (h *webpageHarness) user(t *testing.T, address string) *model.User {
	t.Helper()
	u := &model.User{Address: address}
	require.NoError(t, h.db.Upsert(context.Background(), u))
	return u
}

func TestWebpageService_DeployListContentHistory(t *testing.T) {
	h := newWebpageHarness(t)
	ctx := context.Background()
	owner := h.user(t, "0x00000000000000000000000000000000000000a1")

	res, err := h.svc.Deploy(ctx, owner.ID, "  mysite  ", "<h1>hello</h1>", false)
	require.NoError(t, err)
	assert.Equal(t, "mysite", res.Webpage.Domain)
	assert.True(t, strings.HasPrefix(res.CID, "bafkrei"))
	assert.Equal(t, "https://"+res.CID+".ipfs.w3s.link/", res.DeploymentURL)
	assert.Len(t, res.TransactionHash, 66)

	list, err := h.svc.List(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Deployment)
	assert.Equal(t, res.TransactionHash, list[0].Deployment.TransactionHash)

	content, err := h.svc.Content(ctx, owner.ID, res.Webpage.ID)
	require.NoError(t, err)
	assert.Equal(t, "<h1>hello</h1>", content)

	_, err = h.svc.Update(ctx, owner.ID, res.Webpage.ID, "<h1>v2</h1>")
	require.NoError(t, err)

	history, err := h.svc.History(ctx, owner.ID, res.Webpage.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.NotEqual(t, history[0].CID, history[1].CID)

	content, err = h.svc.Content(ctx, owner.ID, res.Webpage.ID)
	require.NoError(t, err)
	assert.Equal(t, "<h1>v2</h1>", content)

	hits := 0
	for range h.index.Query("v2") {
		hits++
	}
	assert.Equal(t, 1, hits, "update should reach the search index")
}

func TestWebpageService_DeployWithName(t *testing.T) {
	h := newWebpageHarness(t)
	ctx := context.Background()
	owner := h.user(t, "0x00000000000000000000000000000000000000a2")

	res, err := h.svc.Deploy(ctx, owner.ID, "named", "<p>named</p>", true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Name, "k"))
	assert.Equal(t, "https://"+res.CID+".ipfs.dweb.link", res.NameURL)

	updated, err := h.svc.Update(ctx, owner.ID, res.Webpage.ID, "<p>named v2</p>")
	require.NoError(t, err)
	assert.Equal(t, res.Name, updated.Name)
	assert.Equal(t, "https://"+updated.CID+".ipfs.dweb.link", updated.NameURL)
}

func TestWebpageService_OwnershipChecks(t *testing.T) {
	h := newWebpageHarness(t)
	ctx := context.Background()
	owner := h.user(t, "0x00000000000000000000000000000000000000a3")
	intruder := h.user(t, "0x00000000000000000000000000000000000000b3")

	res, err := h.svc.Deploy(ctx, owner.ID, "private", "<p>mine</p>", false)
	require.NoError(t, err)

	_, err = h.svc.History(ctx, intruder.ID, res.Webpage.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = h.svc.Content(ctx, intruder.ID, res.Webpage.ID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = h.svc.Update(ctx, intruder.ID, res.Webpage.ID, "<p>defaced</p>")
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	list, err := h.svc.List(ctx, intruder.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWebpageService_NotFound(t *testing.T) {
	h := newWebpageHarness(t)
	ctx := context.Background()
	owner := h.user(t, "0x00000000000000000000000000000000000000a4")

	_, err := h.svc.Deploy(ctx, "ghost", "site", "<p></p>", false)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = h.svc.Content(ctx, owner.ID, "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = h.svc.Update(ctx, owner.ID, "missing", "<p></p>")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

type failingReader struct{ err error }

func (f failingReader) Content(context.Context, string) (string, error) { return "", f.err }

func TestWebpageService_ContentReadFailure(t *testing.T) {
	h := newWebpageHarness(t)
	ctx := context.Background()
	owner := h.user(t, "0x00000000000000000000000000000000000000a5")

	page := &model.Webpage{UserID: owner.ID, Domain: "site", CID: "bafkreiaaa"}
	require.NoError(t, h.db.CreateWebpage(ctx, page))

	svc := NewWebpageService(nil, h.db, failingReader{err: errors.New("dial tcp: connection refused")}, discardLogger())
	_, err := svc.Content(ctx, owner.ID, page.ID)
	assert.ErrorIs(t, err, apperror.ErrContentUnavailable)
	assert.NotErrorIs(t, err, apperror.ErrStorageUpload)

	svc = NewWebpageService(nil, h.db, failingReader{err: contentstore.ErrNotFound}, discardLogger())
	_, err = svc.Content(ctx, owner.ID, page.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}
