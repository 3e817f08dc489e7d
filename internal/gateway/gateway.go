// Package gateway builds public gateway URLs for CIDs and probes gateway nodes
// for the CDN status page.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DeploymentURL is the subdomain gateway URL stored with every deployment.
func DeploymentURL(cid string) string {
	return "https://" + cid + ".ipfs.w3s.link/"
}

// NameURL is the shareable URL of the CID a mutable name resolved to.
func NameURL(cid string) string {
	return "https://" + cid + ".ipfs.dweb.link"
}

// PathURL is the path-style gateway URL used by search results of named pages.
func PathURL(cid string) string {
	return "https://dweb.link/ipfs/" + cid
}

// DefaultGateways is used when no gateway list is configured.
var DefaultGateways = []string{
	"https://w3s.link",
	"https://dweb.link",
	"https://ipfs.io",
	"https://cloudflare-ipfs.com",
}

// Node is the probed status of one gateway.
type Node struct {
	ID        int    `json:"id"`
	URL       string `json:"url"`
	IsActive  bool   `json:"isActive"`
	LatencyMs int64  `json:"latencyMs"`
}

// Prober checks gateway availability with HEAD requests.
type Prober struct {
	gateways []string
	client   *http.Client
	logger   *slog.Logger
}

// NewProber creates a Prober for gateways. Each probe is bounded by timeout.
func NewProber(gateways []string, timeout time.Duration, logger *slog.Logger) *Prober {
	if len(gateways) == 0 {
		gateways = DefaultGateways
	}
	return &Prober{
		gateways: gateways,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Probe checks every gateway concurrently. The result keeps configuration order.
// A gateway is active when it answers with a status below 500.
func (p *Prober) Probe(ctx context.Context) []Node {
	nodes := make([]Node, len(p.gateways))

	var g errgroup.Group
	for i, gw := range p.gateways {
		nodes[i] = Node{ID: i + 1, URL: strings.TrimRight(gw, "/")}
		g.Go(func() error {
			nodes[i].IsActive, nodes[i].LatencyMs = p.probe(ctx, nodes[i].URL)
			return nil
		})
	}
	g.Wait()

	return nodes
}

func (p *Prober) probe(ctx context.Context, url string) (bool, int64) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url+"/", nil)
	if err != nil {
		return false, 0
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		p.logger.Debug("gateway probe failed",
			slog.String("gateway", url),
			slog.String("error", err.Error()),
		)
		return false, latency
	}
	resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError, latency
}
