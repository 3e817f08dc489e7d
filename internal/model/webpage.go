package model

import "time"

// Webpage is one published site.
//
// Domain never changes after creation. CID always holds the most recently uploaded
// content. Name is the mutable-name identifier bound to the page; it is empty until
// the first publish-with-name completes and is never reassigned afterwards.
type Webpage struct {
	ID     string `json:"id"             db:"id"`
	UserID string `json:"userId"         db:"user_id"`
	Name   string `json:"name,omitempty" db:"name"`
	Domain string `json:"domain"         db:"domain"`
	CID    string `json:"cid"            db:"cid"`
}

// Deployment is the current deployment record of a webpage. Republishing overwrites
// TransactionHash, DeploymentURL and DeployedAt in place.
type Deployment struct {
	ID              string    `json:"id"                   db:"id"`
	UserID          string    `json:"userId"               db:"user_id"`
	WebpageID       string    `json:"webpageId"            db:"webpage_id"`
	TransactionHash string    `json:"transactionHash"      db:"transaction_hash"`
	DeployedAt      time.Time `json:"deployedAt"           db:"deployed_at"`
	DeploymentURL   string    `json:"deploymentUrl"        db:"deployment_url"`
	LedgerInfo      string    `json:"ledgerInfo,omitempty" db:"ledger_info"`
}

// DeploymentEvent is one entry of the append-only publish history of a webpage.
type DeploymentEvent struct {
	ID              string    `json:"id"              db:"id"`
	WebpageID       string    `json:"webpageId"       db:"webpage_id"`
	CID             string    `json:"cid"             db:"cid"`
	TransactionHash string    `json:"transactionHash" db:"transaction_hash"`
	DeploymentURL   string    `json:"deploymentUrl"   db:"deployment_url"`
	DeployedAt      time.Time `json:"deployedAt"      db:"deployed_at"`
}

// WebpageWithDeployment is a webpage joined with its current deployment.
// Deployment is nil when the webpage has no deployment row.
type WebpageWithDeployment struct {
	Webpage    Webpage     `json:"webpage"`
	Deployment *Deployment `json:"deployment,omitempty"`
}

// NameKey is sealed private key material for a mutable name, owned by one user.
type NameKey struct {
	OwnerID   string    `db:"owner_id"`
	NameID    string    `db:"name_id"`
	Sealed    []byte    `db:"sealed"`
	CreatedAt time.Time `db:"created_at"`
}
