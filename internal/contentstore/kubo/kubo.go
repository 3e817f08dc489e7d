// Package kubo implements contentstore.Store against an IPFS node's HTTP RPC API
// (Kubo, or a hosted pinning endpoint that speaks the same /api/v0 surface).
//
// A space is an MFS directory /spaces/<owner>. OpenSpace creates it, which doubles
// as the reachability and credentials check for the node.
package kubo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/webdeploy/internal/contentstore"
)

var _ contentstore.Store = (*Client)(nil)

// Client talks to the /api/v0 endpoints of a node.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the node at baseURL (e.g. "http://127.0.0.1:5001").
// A non-empty token is sent as an OAuth2 bearer token on every request.
func New(baseURL, token string, logger *slog.Logger) *Client {
	hc := &http.Client{Timeout: 2 * time.Minute}
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
		}))
		hc.Timeout = 2 * time.Minute
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  logger,
	}
}

// addResponse is the JSON line returned by /api/v0/add.
type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// rpcError is the JSON body Kubo sends with non-200 responses.
type rpcError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// OpenSpace creates the owner's MFS directory if it does not exist.
func (c *Client) OpenSpace(ctx context.Context, owner string) (contentstore.Space, error) {
	if owner == "" {
		return nil, errors.New("kubo: space owner is required")
	}

	q := url.Values{}
	q.Set("arg", spaceDir(owner))
	q.Set("parents", "true")
	resp, err := c.call(ctx, "files/mkdir", q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("kubo: opening space for %s: %w", owner, err)
	}
	resp.Close()

	return &space{client: c, owner: owner}, nil
}

// Fetch reads a blob through /api/v0/cat.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	q := url.Values{}
	q.Set("arg", cid)
	body, err := c.call(ctx, "cat", q, nil, "")
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) && strings.Contains(re.Message, "not found") {
			return nil, fmt.Errorf("%w: %s", contentstore.ErrNotFound, cid)
		}
		return nil, fmt.Errorf("kubo: fetching %s: %w", cid, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("kubo: reading %s: %w", cid, err)
	}
	return data, nil
}

func (c *Client) add(ctx context.Context, owner, filename string, blob []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("kubo: building upload: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return "", fmt.Errorf("kubo: building upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("kubo: building upload: %w", err)
	}

	q := url.Values{}
	q.Set("cid-version", "1")
	q.Set("raw-leaves", "true")
	q.Set("pin", "true")
	body, err := c.call(ctx, "add", q, &buf, mw.FormDataContentType())
	if err != nil {
		return "", fmt.Errorf("kubo: uploading %s: %w", filename, err)
	}
	defer body.Close()

	var out addResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return "", fmt.Errorf("kubo: decoding add response: %w", err)
	}
	if out.Hash == "" {
		return "", errors.New("kubo: add response has no hash")
	}

	// Link the blob into the owner's space so it shows up under /spaces/<owner>.
	cp := url.Values{}
	cp["arg"] = []string{"/ipfs/" + out.Hash, spaceDir(owner) + "/" + out.Hash}
	if resp, err := c.call(ctx, "files/cp", cp, nil, ""); err != nil {
		var re *rpcError
		if !errors.As(err, &re) || !strings.Contains(re.Message, "already") {
			c.logger.Warn("kubo: linking upload into space failed",
				slog.String("owner", owner),
				slog.String("cid", out.Hash),
				slog.String("error", err.Error()),
			)
		}
	} else {
		resp.Close()
	}

	return out.Hash, nil
}

// call POSTs to /api/v0/<cmd>. Kubo only accepts POST on its RPC API.
// The caller closes the returned body.
func (c *Client) call(ctx context.Context, cmd string, q url.Values, body io.Reader, contentType string) (io.ReadCloser, error) {
	u := c.baseURL + "/api/v0/" + cmd
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		re := &rpcError{Code: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(re); err != nil || re.Message == "" {
			re.Message = resp.Status
		}
		return nil, re
	}
	return resp.Body, nil
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("kubo rpc: %s", e.Message)
}

func spaceDir(owner string) string {
	return "/spaces/" + owner
}

type space struct {
	client *Client
	owner  string
	closed atomic.Bool
}

func (sp *space) Upload(ctx context.Context, filename string, blob []byte) (string, error) {
	if sp.closed.Load() {
		return "", contentstore.ErrSpaceClosed
	}
	return sp.client.add(ctx, sp.owner, filename, blob)
}

func (sp *space) Close() error {
	sp.closed.Store(true)
	return nil
}
