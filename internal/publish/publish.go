// Package publish implements the site publishing workflow: upload content to the
// content store, register (domain, CID) on the ledger, persist the webpage and its
// deployment, and optionally point a mutable name at the new content.
//
// Each step is awaited before the next starts. Nothing is retried and nothing is
// compensated: when a later step fails, earlier external side effects (the uploaded
// blob, the ledger transaction) stay in place. A persistence failure after a
// successful ledger write is logged at error level with domain, CID and transaction
// hash so the orphaned registration can be reconciled by hand.
package publish

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/contentstore"
	"github.com/sakif/webdeploy/internal/gateway"
	"github.com/sakif/webdeploy/internal/ledger"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/namesvc"
	"github.com/sakif/webdeploy/internal/repository"
	"github.com/sakif/webdeploy/internal/search"
)

// IndexFilename is the name every site is uploaded under.
const IndexFilename = "index.html"

// MaxDomainLength bounds the domain string.
const MaxDomainLength = 255

// Names publishes and resolves mutable-name revisions.
type Names interface {
	Publish(ctx context.Context, rev *namesvc.Revision, key ed25519.PrivateKey) error
	Resolve(ctx context.Context, name string) (*namesvc.Revision, error)
}

// Keys stores name signing keys per owner.
type Keys interface {
	Store(ctx context.Context, ownerID, nameID string, key ed25519.PrivateKey) error
	Load(ctx context.Context, ownerID, nameID string) (ed25519.PrivateKey, error)
}

// Indexer receives every successfully published site.
type Indexer interface {
	Upsert(e search.Entry)
}

// Result is the outcome of a deploy or update.
type Result struct {
	Webpage         model.Webpage `json:"webpage"`
	TransactionHash string        `json:"transactionHash"`
	CID             string        `json:"cid"`
	DeploymentURL   string        `json:"deploymentUrl"`
	Name            string        `json:"name,omitempty"`
	NameURL         string        `json:"nameUrl,omitempty"`
	NameError       string        `json:"nameError,omitempty"`
}

// Options tunes the workflow.
type Options struct {
	// MaxContentSize rejects larger uploads. Zero means 5MB.
	MaxContentSize datasize.ByteSize
}

// Workflow holds the collaborators shared by all sessions.
type Workflow struct {
	users   repository.UserRepository
	pages   repository.WebpageRepository
	store   contentstore.Store
	ledger  ledger.Client
	names   Names
	keys    Keys
	index   Indexer
	maxSize datasize.ByteSize
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Workflow. index may be nil.
func New(
	users repository.UserRepository,
	pages repository.WebpageRepository,
	store contentstore.Store,
	ledgerClient ledger.Client,
	names Names,
	keys Keys,
	index Indexer,
	opts Options,
	logger *slog.Logger,
) *Workflow {
	if opts.MaxContentSize == 0 {
		opts.MaxContentSize = 5 * datasize.MB
	}
	return &Workflow{
		users:   users,
		pages:   pages,
		store:   store,
		ledger:  ledgerClient,
		names:   names,
		keys:    keys,
		index:   index,
		maxSize: opts.MaxContentSize,
		now:     time.Now,
		logger:  logger,
	}
}

// Session is a user-scoped handle on the workflow. It owns an open content-store
// space; Close releases it, after which every operation fails before any side effect.
type Session struct {
	wf     *Workflow
	user   *model.User
	space  contentstore.Space
	closed atomic.Bool
}

// Open resolves the user and opens their content-store space.
func (w *Workflow) Open(ctx context.Context, userID string) (*Session, error) {
	user, err := w.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	space, err := w.store.OpenSpace(ctx, user.ID)
	if err != nil {
		return nil, apperror.StorageUpload("content store space is not available", err)
	}

	return &Session{wf: w, user: user, space: space}, nil
}

// User returns the session owner.
func (s *Session) User() *model.User {
	return s.user
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.space.Close()
}

// Deploy publishes a new site.
func (s *Session) Deploy(ctx context.Context, domain, content string) (*Result, error) {
	domain = strings.TrimSpace(domain)
	if err := s.wf.validate(domain, content); err != nil {
		return nil, err
	}

	cid, receipt, deploymentURL, err := s.publishContent(ctx, domain, content)
	if err != nil {
		return nil, err
	}

	webpage := &model.Webpage{UserID: s.user.ID, Domain: domain, CID: cid}
	if err := s.wf.pages.CreateWebpage(ctx, webpage); err != nil {
		return nil, s.wf.orphaned(domain, cid, receipt.TxHash, err)
	}

	deployment := &model.Deployment{
		UserID:          s.user.ID,
		WebpageID:       webpage.ID,
		TransactionHash: receipt.TxHash,
		DeployedAt:      s.wf.now().UTC(),
		DeploymentURL:   deploymentURL,
		LedgerInfo:      receipt.Info(),
	}
	if err := s.wf.pages.CreateDeployment(ctx, deployment); err != nil {
		return nil, s.wf.orphaned(domain, cid, receipt.TxHash, err)
	}
	if err := s.wf.appendHistory(ctx, webpage, deployment); err != nil {
		return nil, s.wf.orphaned(domain, cid, receipt.TxHash, err)
	}

	s.wf.indexPage(*webpage, deployment, content)

	s.wf.logger.Info("site deployed",
		slog.String("user_id", s.user.ID),
		slog.String("webpage_id", webpage.ID),
		slog.String("domain", domain),
		slog.String("cid", cid),
		slog.String("tx", receipt.TxHash),
	)

	return &Result{
		Webpage:         *webpage,
		TransactionHash: receipt.TxHash,
		CID:             cid,
		DeploymentURL:   deploymentURL,
	}, nil
}

// DeployWithName publishes a new site and binds a fresh mutable name to it.
//
// If naming fails the deployment itself has already succeeded: the result is
// returned together with a naming error, and the webpage stays unnamed.
func (s *Session) DeployWithName(ctx context.Context, domain, content string) (*Result, error) {
	res, err := s.Deploy(ctx, domain, content)
	if err != nil {
		return nil, err
	}

	if err := s.bindName(ctx, res, content); err != nil {
		s.wf.logger.Warn("site deployed without name",
			slog.String("webpage_id", res.Webpage.ID),
			slog.String("error", err.Error()),
		)
		res.NameError = err.Error()
		return res, err
	}
	return res, nil
}

// Update replaces the content of an existing webpage owned by the session user.
func (s *Session) Update(ctx context.Context, webpageID, content string) (*Result, error) {
	if err := s.wf.validateContent(content); err != nil {
		return nil, err
	}

	webpage, err := s.wf.pages.GetWebpage(ctx, webpageID)
	if err != nil {
		return nil, err
	}
	if webpage.UserID != s.user.ID {
		return nil, apperror.Forbidden("webpage belongs to another user")
	}

	cid, receipt, deploymentURL, err := s.publishContent(ctx, webpage.Domain, content)
	if err != nil {
		return nil, err
	}

	if err := s.wf.pages.UpdateWebpageCID(ctx, webpage.ID, cid); err != nil {
		return nil, s.wf.orphaned(webpage.Domain, cid, receipt.TxHash, err)
	}
	webpage.CID = cid

	deployment, err := s.wf.overwriteDeployment(ctx, webpage, receipt, deploymentURL)
	if err != nil {
		return nil, s.wf.orphaned(webpage.Domain, cid, receipt.TxHash, err)
	}
	if err := s.wf.appendHistory(ctx, webpage, deployment); err != nil {
		return nil, s.wf.orphaned(webpage.Domain, cid, receipt.TxHash, err)
	}

	s.wf.indexPage(*webpage, deployment, content)

	s.wf.logger.Info("site updated",
		slog.String("user_id", s.user.ID),
		slog.String("webpage_id", webpage.ID),
		slog.String("cid", cid),
		slog.String("tx", receipt.TxHash),
	)

	res := &Result{
		Webpage:         *webpage,
		TransactionHash: receipt.TxHash,
		CID:             cid,
		DeploymentURL:   deploymentURL,
	}

	if webpage.Name != "" {
		res.Name = webpage.Name
		if err := s.advanceName(ctx, res); err != nil {
			s.wf.logger.Warn("name not advanced",
				slog.String("webpage_id", webpage.ID),
				slog.String("name", webpage.Name),
				slog.String("error", err.Error()),
			)
			res.NameError = err.Error()
			return res, err
		}
	}
	return res, nil
}

// publishContent runs upload, ledger registration and URL derivation.
func (s *Session) publishContent(ctx context.Context, domain, content string) (string, ledger.Receipt, string, error) {
	if s.closed.Load() {
		return "", ledger.Receipt{}, "", apperror.StorageUpload("session closed", contentstore.ErrSpaceClosed)
	}

	cid, err := s.space.Upload(ctx, IndexFilename, []byte(content))
	if err != nil {
		return "", ledger.Receipt{}, "", apperror.StorageUpload("uploading site content failed", err)
	}

	receipt, err := s.wf.ledger.StoreWebpage(ctx, domain, cid)
	if err != nil {
		s.wf.logger.Error("ledger write failed",
			slog.String("domain", domain),
			slog.String("cid", cid),
			slog.String("error", err.Error()),
		)
		return "", ledger.Receipt{}, "", apperror.LedgerWrite("registering webpage on the ledger failed", err)
	}

	return cid, receipt, gateway.DeploymentURL(cid), nil
}

// bindName creates a name for a freshly deployed page and publishes its first revision.
func (s *Session) bindName(ctx context.Context, res *Result, content string) error {
	name, err := namesvc.Create()
	if err != nil {
		return apperror.Naming("creating name", err)
	}
	if err := s.wf.keys.Store(ctx, s.user.ID, name.ID, name.Key); err != nil {
		return err
	}

	if err := s.wf.names.Publish(ctx, namesvc.V0(name.ID, namesvc.IPFSPath(res.CID)), name.Key); err != nil {
		return apperror.Naming("publishing initial revision", err)
	}

	resolvedCID, err := s.resolveCID(ctx, name.ID)
	if err != nil {
		return err
	}
	if resolvedCID != res.CID {
		return apperror.Naming(fmt.Sprintf("name resolved to %s, expected %s", resolvedCID, res.CID), nil)
	}

	if err := s.wf.pages.SetWebpageName(ctx, res.Webpage.ID, name.ID); err != nil {
		return apperror.Naming("saving webpage name", err)
	}

	res.Webpage.Name = name.ID
	res.Name = name.ID
	res.NameURL = gateway.NameURL(resolvedCID)
	s.wf.indexPage(res.Webpage, nil, content)
	return nil
}

// advanceName publishes the next revision of the page's name pointing at res.CID.
func (s *Session) advanceName(ctx context.Context, res *Result) error {
	nameID := res.Webpage.Name

	key, err := s.wf.keys.Load(ctx, s.user.ID, nameID)
	if err != nil {
		return err
	}

	value := namesvc.IPFSPath(res.CID)
	var next *namesvc.Revision
	cur, err := s.wf.names.Resolve(ctx, nameID)
	switch {
	case err == nil:
		next = namesvc.Increment(cur, value)
	case errors.Is(err, namesvc.ErrNotFound):
		s.wf.logger.Warn("name has no published revision, starting a new chain",
			slog.String("name", nameID),
		)
		next = namesvc.V0(nameID, value)
	default:
		return apperror.Naming("resolving name", err)
	}

	if err := s.wf.names.Publish(ctx, next, key); err != nil {
		return apperror.Naming("publishing revision", err)
	}

	resolvedCID, err := s.resolveCID(ctx, nameID)
	if err != nil {
		return err
	}
	res.NameURL = gateway.NameURL(resolvedCID)
	return nil
}

func (s *Session) resolveCID(ctx context.Context, nameID string) (string, error) {
	rev, err := s.wf.names.Resolve(ctx, nameID)
	if err != nil {
		return "", apperror.Naming("resolving name", err)
	}
	cid, ok := namesvc.CIDOf(rev)
	if !ok {
		return "", apperror.Naming("name does not point at content: "+rev.Value, nil)
	}
	return cid, nil
}

func (w *Workflow) validate(domain, content string) error {
	if domain == "" {
		return apperror.ValidationFailed("domain", "domain is required")
	}
	if len(domain) > MaxDomainLength {
		return apperror.ValidationFailed("domain", fmt.Sprintf("domain must be at most %d characters", MaxDomainLength))
	}
	return w.validateContent(content)
}

func (w *Workflow) validateContent(content string) error {
	if datasize.ByteSize(len(content)) > w.maxSize {
		return apperror.ValidationFailed("content", "content exceeds "+w.maxSize.HR())
	}
	return nil
}

// overwriteDeployment rewrites the current deployment row in place, inserting one
// if the webpage has none. deployed_at always moves forward.
func (w *Workflow) overwriteDeployment(ctx context.Context, webpage *model.Webpage, receipt ledger.Receipt, url string) (*model.Deployment, error) {
	now := w.now().UTC()

	current, err := w.pages.CurrentDeployment(ctx, webpage.ID)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		d := &model.Deployment{
			UserID:          webpage.UserID,
			WebpageID:       webpage.ID,
			TransactionHash: receipt.TxHash,
			DeployedAt:      now,
			DeploymentURL:   url,
			LedgerInfo:      receipt.Info(),
		}
		return d, w.pages.CreateDeployment(ctx, d)
	}

	if !now.After(current.DeployedAt) {
		now = current.DeployedAt.Add(time.Microsecond)
	}
	current.TransactionHash = receipt.TxHash
	current.DeploymentURL = url
	current.DeployedAt = now
	current.LedgerInfo = receipt.Info()
	return current, w.pages.UpdateDeployment(ctx, current)
}

func (w *Workflow) appendHistory(ctx context.Context, webpage *model.Webpage, d *model.Deployment) error {
	return w.pages.AppendHistory(ctx, &model.DeploymentEvent{
		WebpageID:       webpage.ID,
		CID:             webpage.CID,
		TransactionHash: d.TransactionHash,
		DeploymentURL:   d.DeploymentURL,
		DeployedAt:      d.DeployedAt,
	})
}

func (w *Workflow) indexPage(webpage model.Webpage, d *model.Deployment, content string) {
	if w.index == nil {
		return
	}
	w.index.Upsert(search.EntryFor(webpage, d, content))
}

// orphaned logs a registration that reached the ledger but not the database.
func (w *Workflow) orphaned(domain, cid, txHash string, err error) error {
	w.logger.Error("publish: persisting deployment failed, ledger record is orphaned",
		slog.String("domain", domain),
		slog.String("cid", cid),
		slog.String("tx", txHash),
		slog.String("error", err.Error()),
	)
	return apperror.Persistence("saving deployment failed", err)
}

func isNotFound(err error) bool {
	return errors.Is(err, apperror.ErrNotFound)
}
