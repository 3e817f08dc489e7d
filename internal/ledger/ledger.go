// Package ledger records (domain, CID) registrations on a distributed ledger.
//
// StoreWebpage blocks until the transaction is confirmed. There is no retry at this
// layer; callers see the raw failure wrapped in their own error.
package ledger

import (
	"context"
	"fmt"
)

// Receipt describes a confirmed registration.
type Receipt struct {
	TxHash  string
	Block   uint64
	Network string
}

// Info renders the receipt as the free-text ledger metadata stored with a deployment.
func (r Receipt) Info() string {
	return fmt.Sprintf("%s block %d", r.Network, r.Block)
}

// Client registers webpages on a ledger.
type Client interface {
	StoreWebpage(ctx context.Context, domain, cid string) (Receipt, error)
}
