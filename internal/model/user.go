// Package model defines the data structures used throughout the application.
package model

import "time"

// User is a dashboard account, identified by the wallet address it signs in with.
//
// Address is stored lower-cased ("0xabc..."), so a checksummed and a plain form of the
// same wallet map to one row. Email is refreshed on every sign-in.
type User struct {
	ID        string    `json:"id"        db:"id"`
	Address   string    `json:"address"   db:"address"`
	Email     string    `json:"email"     db:"email"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
	LastLogin time.Time `json:"lastLogin" db:"last_login"`
}

// Tokens is the per-user token ledger shown on the dashboard.
// A zeroed row is created together with the user.
type Tokens struct {
	ID            string `json:"id"            db:"id"`
	UserID        string `json:"userId"        db:"user_id"`
	Balance       int64  `json:"balance"       db:"balance"`
	StakedAmount  int64  `json:"stakedAmount"  db:"staked_amount"`
	RewardsEarned int64  `json:"rewardsEarned" db:"rewards_earned"`
}
