package publish

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/cid"
	"github.com/sakif/webdeploy/internal/contentstore"
	"github.com/sakif/webdeploy/internal/keystore"
	"github.com/sakif/webdeploy/internal/ledger"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/namesvc"
	"github.com/sakif/webdeploy/internal/repository"
	"github.com/sakif/webdeploy/internal/repository/sqlite"
	"github.com/sakif/webdeploy/internal/search"
)

// =========================================================================
// FAKES
// =========================================================================

type fakeStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	uploads   int
	uploadErr error
	openErr   error
}

func (f *fakeStore) OpenSpace(_ context.Context, owner string) (contentstore.Space, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeSpace{store: f}, nil
}

func (f *fakeStore) Fetch(_ context.Context, c string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[c]
	if !ok {
		return nil, contentstore.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

type fakeSpace struct {
	store  *fakeStore
	closed bool
}

func (s *fakeSpace) Upload(_ context.Context, _ string, blob []byte) (string, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.uploads++
	if s.store.uploadErr != nil {
		return "", s.store.uploadErr
	}
	c := cid.Of(blob)
	s.store.blobs[c] = blob
	return c, nil
}

func (s *fakeSpace) Close() error {
	s.closed = true
	return nil
}

type fakeLedger struct {
	mu      sync.Mutex
	calls   int
	err     error
	domains []string
}

func (f *fakeLedger) StoreWebpage(_ context.Context, domain, c string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ledger.Receipt{}, f.err
	}
	f.domains = append(f.domains, domain)
	return ledger.Receipt{TxHash: fmt.Sprintf("0x%064x", f.calls), Block: uint64(f.calls), Network: "test"}, nil
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type brokenNames struct{}

func (brokenNames) Publish(context.Context, *namesvc.Revision, ed25519.PrivateKey) error {
	return errors.New("name network unreachable")
}

func (brokenNames) Resolve(context.Context, string) (*namesvc.Revision, error) {
	return nil, namesvc.ErrNotFound
}

// expiredNames has a record for every name that no longer resolves.
type expiredNames struct {
	mu        sync.Mutex
	published int
}

func (e *expiredNames) Publish(context.Context, *namesvc.Revision, ed25519.PrivateKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published++
	return nil
}

func (e *expiredNames) Resolve(context.Context, string) (*namesvc.Revision, error) {
	return nil, namesvc.ErrExpired
}

type recordingIndex struct {
	mu      sync.Mutex
	entries map[string]search.Entry
}

func (r *recordingIndex) Upsert(e search.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
}

// failingPages fails deployment inserts after the webpage row is written.
type failingPages struct {
	repository.Store
}

func (failingPages) CreateDeployment(context.Context, *model.Deployment) error {
	return errors.New("disk full")
}

// =========================================================================
// HARNESS
// =========================================================================

type harness struct {
	db     *sqlite.DB
	store  *fakeStore
	ledger *fakeLedger
	names  *namesvc.Service
	vault  *keystore.Vault
	index  *recordingIndex
	user   *model.User
	logger *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vault, err := keystore.New(db, "test-vault-secret-0123456789")
	require.NoError(t, err)

	user := &model.User{Address: "0x00000000000000000000000000000000000000aa", Email: "a@example.com"}
	require.NoError(t, db.Upsert(context.Background(), user))

	return &harness{
		db:     db,
		store:  &fakeStore{blobs: map[string][]byte{}},
		ledger: &fakeLedger{},
		names:  namesvc.New(namesvc.NewMemoryStore()),
		vault:  vault,
		index:  &recordingIndex{entries: map[string]search.Entry{}},
		user:   user,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (h *harness) workflow(pages repository.WebpageRepository, names Names) *Workflow {
	if pages == nil {
		pages = h.db
	}
	if names == nil {
		names = h.names
	}
	return New(h.db, pages, h.store, h.ledger, names, h.vault, h.index, Options{MaxContentSize: 1 * datasize.KB}, h.logger)
}

func (h *harness) session(t *testing.T, wf *Workflow) *Session {
	t.Helper()
	s, err := wf.Open(context.Background(), h.user.ID)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =========================================================================
// DEPLOY
// =========================================================================

func TestDeploy_NewSite(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))
	ctx := context.Background()

	res, err := s.Deploy(ctx, "  mysite ", "<h1>hi</h1>")
	require.NoError(t, err)

	assert.NotEmpty(t, res.CID)
	assert.Equal(t, "https://"+res.CID+".ipfs.w3s.link/", res.DeploymentURL)
	assert.Len(t, res.TransactionHash, 66)
	assert.Empty(t, res.Name)

	row, err := h.db.GetWebpage(ctx, res.Webpage.ID)
	require.NoError(t, err)
	assert.Equal(t, "mysite", row.Domain)
	assert.Equal(t, res.CID, row.CID)
	assert.Equal(t, h.user.ID, row.UserID)

	d, err := h.db.CurrentDeployment(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, res.TransactionHash, d.TransactionHash)
	assert.Equal(t, res.DeploymentURL, d.DeploymentURL)
	assert.Equal(t, "test block 1", d.LedgerInfo)

	history, err := h.db.ListHistory(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.CID, history[0].CID)

	assert.Equal(t, []string{"mysite"}, h.ledger.domains)
	assert.Equal(t, "<h1>hi</h1>", h.index.entries[row.ID].Content)
	assert.Equal(t, res.DeploymentURL, h.index.entries[row.ID].URL)
}

func TestDeploy_ContentAddressing(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))
	ctx := context.Background()

	a, err := s.Deploy(ctx, "one", "<h1>hi</h1>")
	require.NoError(t, err)
	b, err := s.Deploy(ctx, "two", "<h1>bye</h1>")
	require.NoError(t, err)
	c, err := s.Deploy(ctx, "three", "<h1>hi</h1>")
	require.NoError(t, err)

	assert.NotEqual(t, a.CID, b.CID)
	assert.Equal(t, a.CID, c.CID)
	// Every deploy is its own ledger transaction, even for identical content.
	assert.NotEqual(t, a.TransactionHash, c.TransactionHash)
	assert.Equal(t, 3, h.ledger.callCount())
}

func TestDeploy_Validation(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))

	tests := []struct {
		name    string
		domain  string
		content string
		field   string
	}{
		{"empty domain", "   ", "<p>x</p>", "domain"},
		{"long domain", strings.Repeat("d", MaxDomainLength+1), "<p>x</p>", "domain"},
		{"oversized content", "site", strings.Repeat("x", 1025), "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deploy(context.Background(), tt.domain, tt.content)
			require.ErrorIs(t, err, apperror.ErrValidation)

			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
	assert.Zero(t, h.store.uploadCount())
}

func TestDeploy_StorageFailure(t *testing.T) {
	h := newHarness(t)
	h.store.uploadErr = errors.New("connection refused")
	s := h.session(t, h.workflow(nil, nil))

	_, err := s.Deploy(context.Background(), "mysite", "<h1>hi</h1>")
	assert.ErrorIs(t, err, apperror.ErrStorageUpload)
	assert.Zero(t, h.ledger.callCount(), "ledger must not be called after a failed upload")
}

func TestDeploy_LedgerFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.err = errors.New("execution reverted")
	s := h.session(t, h.workflow(nil, nil))
	ctx := context.Background()

	_, err := s.Deploy(ctx, "mysite", "<h1>hi</h1>")
	assert.ErrorIs(t, err, apperror.ErrLedgerWrite)
	assert.Equal(t, 1, h.ledger.callCount(), "no retry")

	pages, err := h.db.ListWebpages(ctx, h.user.ID)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestDeploy_PersistenceFailureLeavesLedgerRecord(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(failingPages{Store: h.db}, nil))

	_, err := s.Deploy(context.Background(), "mysite", "<h1>hi</h1>")
	assert.ErrorIs(t, err, apperror.ErrPersistence)
	assert.Equal(t, 1, h.ledger.callCount())
	assert.Equal(t, 1, h.store.uploadCount())
}

// =========================================================================
// SESSION
// =========================================================================

func TestOpen_UnknownUser(t *testing.T) {
	h := newHarness(t)

	_, err := h.workflow(nil, nil).Open(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestOpen_SpaceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.openErr = errors.New("space not provisioned")

	_, err := h.workflow(nil, nil).Open(context.Background(), h.user.ID)
	assert.ErrorIs(t, err, apperror.ErrStorageUpload)
}

func TestSession_ClosedFailsBeforeSideEffects(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Deploy(context.Background(), "mysite", "<h1>hi</h1>")
	assert.ErrorIs(t, err, apperror.ErrStorageUpload)
	assert.Zero(t, h.store.uploadCount())
	assert.Zero(t, h.ledger.callCount())
}

// =========================================================================
// UPDATE
// =========================================================================

func TestUpdate_ReplacesContent(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(nil, nil)
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	wf.now = func() time.Time { return frozen }
	s := h.session(t, wf)
	ctx := context.Background()

	first, err := s.Deploy(ctx, "mysite", "<h1>hi</h1>")
	require.NoError(t, err)
	before, err := h.db.CurrentDeployment(ctx, first.Webpage.ID)
	require.NoError(t, err)

	// The clock has not moved; deployed_at must still advance.
	second, err := s.Update(ctx, first.Webpage.ID, "<h1>bye</h1>")
	require.NoError(t, err)

	assert.NotEqual(t, first.CID, second.CID)
	assert.Equal(t, "mysite", second.Webpage.Domain)

	row, _ := h.db.GetWebpage(ctx, first.Webpage.ID)
	assert.Equal(t, second.CID, row.CID)

	after, err := h.db.CurrentDeployment(ctx, first.Webpage.ID)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "deployment row is overwritten in place")
	assert.Equal(t, second.TransactionHash, after.TransactionHash)
	assert.Equal(t, second.DeploymentURL, after.DeploymentURL)
	assert.True(t, after.DeployedAt.After(before.DeployedAt), "%v !> %v", after.DeployedAt, before.DeployedAt)

	history, _ := h.db.ListHistory(ctx, first.Webpage.ID)
	require.Len(t, history, 2)
	assert.Equal(t, second.CID, history[0].CID)
	assert.Equal(t, first.CID, history[1].CID)

	assert.Equal(t, "<h1>bye</h1>", h.index.entries[first.Webpage.ID].Content)
}

func TestUpdate_NotFoundHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))

	_, err := s.Update(context.Background(), "does-not-exist", "<h1>bye</h1>")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Zero(t, h.store.uploadCount())
	assert.Zero(t, h.ledger.callCount())
}

func TestUpdate_OtherUsersWebpage(t *testing.T) {
	h := newHarness(t)
	wf := h.workflow(nil, nil)
	ctx := context.Background()

	owner := h.session(t, wf)
	res, err := owner.Deploy(ctx, "mine", "<h1>hi</h1>")
	require.NoError(t, err)

	intruder := &model.User{Address: "0x00000000000000000000000000000000000000bb"}
	require.NoError(t, h.db.Upsert(ctx, intruder))
	s, err := wf.Open(ctx, intruder.ID)
	require.NoError(t, err)
	defer s.Close()

	uploads, calls := h.store.uploadCount(), h.ledger.callCount()
	_, err = s.Update(ctx, res.Webpage.ID, "<h1>pwned</h1>")
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Equal(t, uploads, h.store.uploadCount())
	assert.Equal(t, calls, h.ledger.callCount())
}

func TestUpdate_InsertsMissingDeployment(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))
	ctx := context.Background()

	w := &model.Webpage{UserID: h.user.ID, Domain: "legacy", CID: cid.Of([]byte("old"))}
	require.NoError(t, h.db.CreateWebpage(ctx, w))

	res, err := s.Update(ctx, w.ID, "<h1>new</h1>")
	require.NoError(t, err)

	d, err := h.db.CurrentDeployment(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, res.TransactionHash, d.TransactionHash)
}

// =========================================================================
// NAMING
// =========================================================================

func TestDeployWithName_ThenUpdates(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))
	ctx := context.Background()

	res, err := s.DeployWithName(ctx, "named", "<h1>v0</h1>")
	require.NoError(t, err)
	require.NotEmpty(t, res.Name)
	assert.Equal(t, "https://"+res.CID+".ipfs.dweb.link", res.NameURL)
	assert.Empty(t, res.NameError)

	row, _ := h.db.GetWebpage(ctx, res.Webpage.ID)
	assert.Equal(t, res.Name, row.Name)
	assert.Equal(t, "https://dweb.link/ipfs/"+res.CID, h.index.entries[row.ID].URL)

	var lastSeq uint64
	var lastCID string
	for i := 1; i <= 3; i++ {
		up, err := s.Update(ctx, row.ID, fmt.Sprintf("<h1>v%d</h1>", i))
		require.NoError(t, err)
		assert.Equal(t, res.Name, up.Name)
		assert.Equal(t, "https://"+up.CID+".ipfs.dweb.link", up.NameURL)

		rev, err := h.names.Resolve(ctx, res.Name)
		require.NoError(t, err)
		assert.Greater(t, rev.Sequence, lastSeq)
		lastSeq = rev.Sequence
		lastCID = up.CID
	}

	rev, err := h.names.Resolve(ctx, res.Name)
	require.NoError(t, err)
	got, _ := namesvc.CIDOf(rev)
	assert.Equal(t, lastCID, got)
	assert.Equal(t, uint64(3), rev.Sequence)
}

func TestDeployWithName_NamingFailureKeepsDeployment(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, brokenNames{}))
	ctx := context.Background()

	res, err := s.DeployWithName(ctx, "named", "<h1>hi</h1>")
	require.ErrorIs(t, err, apperror.ErrNaming)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.NameError)
	assert.Empty(t, res.Name)

	row, err := h.db.GetWebpage(ctx, res.Webpage.ID)
	require.NoError(t, err)
	assert.Empty(t, row.Name)
	assert.Equal(t, res.CID, row.CID)
}

func TestUpdate_NamedPageWithoutKey(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))
	ctx := context.Background()

	w := &model.Webpage{UserID: h.user.ID, Domain: "orphan-name", CID: cid.Of([]byte("old"))}
	require.NoError(t, h.db.CreateWebpage(ctx, w))
	n, _ := namesvc.Create()
	require.NoError(t, h.db.SetWebpageName(ctx, w.ID, n.ID))

	res, err := s.Update(ctx, w.ID, "<h1>new</h1>")
	require.ErrorIs(t, err, apperror.ErrNaming)
	require.NotNil(t, res)

	// Content and deployment are updated even though the name was not.
	row, _ := h.db.GetWebpage(ctx, w.ID)
	assert.Equal(t, res.CID, row.CID)
}

func TestUpdate_NamedPageSynthesizesFirstRevision(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, h.workflow(nil, nil))
	ctx := context.Background()

	w := &model.Webpage{UserID: h.user.ID, Domain: "unresolved", CID: cid.Of([]byte("old"))}
	require.NoError(t, h.db.CreateWebpage(ctx, w))
	n, _ := namesvc.Create()
	require.NoError(t, h.vault.Store(ctx, h.user.ID, n.ID, n.Key))
	require.NoError(t, h.db.SetWebpageName(ctx, w.ID, n.ID))

	res, err := s.Update(ctx, w.ID, "<h1>new</h1>")
	require.NoError(t, err)

	rev, err := h.names.Resolve(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rev.Sequence)
	assert.Equal(t, namesvc.IPFSPath(res.CID), rev.Value)
}

func TestUpdate_NamedPageResolveFailureIsReported(t *testing.T) {
	h := newHarness(t)
	names := &expiredNames{}
	s := h.session(t, h.workflow(nil, names))
	ctx := context.Background()

	w := &model.Webpage{UserID: h.user.ID, Domain: "expired", CID: cid.Of([]byte("old"))}
	require.NoError(t, h.db.CreateWebpage(ctx, w))
	n, _ := namesvc.Create()
	require.NoError(t, h.vault.Store(ctx, h.user.ID, n.ID, n.Key))
	require.NoError(t, h.db.SetWebpageName(ctx, w.ID, n.ID))

	res, err := s.Update(ctx, w.ID, "<h1>new</h1>")
	require.ErrorIs(t, err, apperror.ErrNaming)
	assert.ErrorIs(t, err, namesvc.ErrExpired)
	assert.NotErrorIs(t, err, namesvc.ErrStaleSequence)
	require.NotNil(t, res)
	assert.Empty(t, res.NameURL)
	assert.Zero(t, names.published, "no revision may be published over an existing record")

	row, _ := h.db.GetWebpage(ctx, w.ID)
	assert.Equal(t, res.CID, row.CID)
}
