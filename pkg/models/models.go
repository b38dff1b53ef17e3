// Package models defines the domain models for the doodle-forge service
package models

import (
	"encoding/json"
	"time"
)

// GenerationStatus is the externally visible outcome of a generation request
type GenerationStatus string

const (
	StatusSucceeded GenerationStatus = "succeeded"
	StatusRejected  GenerationStatus = "rejected"
	StatusDenied    GenerationStatus = "denied"
	StatusFailed    GenerationStatus = "failed"
)

// EntryKind classifies a credit ledger entry
type EntryKind string

const (
	EntryDebit     EntryKind = "debit"
	EntryRefund    EntryKind = "refund"
	EntrySimulated EntryKind = "simulated"
	EntryGrant     EntryKind = "grant"
)

// CreditAccount is a user's credit balance. Balance never goes below zero.
type CreditAccount struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	DevMode   bool      `json:"dev_mode" db:"dev_mode"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is one accounting movement against a CreditAccount.
// Simulated entries record cost without moving the balance.
type LedgerEntry struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Kind       EntryKind  `json:"kind" db:"kind"`
	Amount     int64      `json:"amount" db:"amount"`
	DebitID    *string    `json:"debit_id,omitempty" db:"debit_id"` // set on refunds
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	RefundedAt *time.Time `json:"refunded_at,omitempty" db:"refunded_at"`
}

// User is the admin directory record for an identity.
type User struct {
	UID       string    `json:"uid" db:"uid"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Artifact is the output of one generation stage. Stage is the zero-based
// position of the stage in the request's plan.
type Artifact struct {
	Stage  int             `json:"stage"`
	Flow   string          `json:"flow"`
	Output json.RawMessage `json:"output"`
}

// GenerationRun is the persisted summary of a finished generation request.
// Artifacts are never stored; only the outcome.
type GenerationRun struct {
	ID         string           `json:"id" db:"id"`
	UserID     string           `json:"user_id" db:"user_id"`
	Recipe     string           `json:"recipe,omitempty" db:"recipe"`
	Stages     []string         `json:"stages" db:"stages"`
	Status     GenerationStatus `json:"status" db:"status"`
	Reason     string           `json:"reason,omitempty" db:"reason"`
	Cost       int64            `json:"cost" db:"cost"`
	Refunded   bool             `json:"refunded" db:"refunded"`
	StartedAt  time.Time        `json:"started_at" db:"started_at"`
	FinishedAt time.Time        `json:"finished_at" db:"finished_at"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}
