// Package storage provides data storage interfaces and implementations
// for the document engine.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [TaxpayerStore]: registered taxpayers and their sealed credentials
//   - [DocumentStore]: issued documents and receiver confirmations
//   - [QueueStore]: the retry queue of pending sends
//   - [LedgerStore]: rate limit events (see ratelimit.Ledger)
//   - [TokenStore]: cached identity provider tokens (see token.Store)
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The postgres sub-package is the reference implementation. The mongodb
// sub-package stores the same data in MongoDB collections, and the memory
// sub-package keeps everything in process for tests and single-shot CLI
// runs. The redisledger sub-package provides a LedgerStore on Redis
// sorted sets that can replace the ledger of any of them.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines. [QueueStore.ClaimNext] must be atomic across processes: two
// workers never receive the same entry from overlapping claims.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/token"
)

// Errors
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store is the main storage interface combining all sub-stores
type Store interface {
	TaxpayerStore
	DocumentStore
	QueueStore
	LedgerStore
	TokenStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// TaxpayerStore manages registered taxpayers
type TaxpayerStore interface {
	// CreateTaxpayer stores a new taxpayer and sets its ID
	CreateTaxpayer(ctx context.Context, t *Taxpayer) error

	// GetTaxpayer retrieves a taxpayer by ID
	GetTaxpayer(ctx context.Context, id int64) (*Taxpayer, error)

	// UpdateTaxpayer replaces a taxpayer
	UpdateTaxpayer(ctx context.Context, t *Taxpayer) error

	// ListTaxpayers returns the taxpayers of a client, or all when clientID
	// is empty
	ListTaxpayers(ctx context.Context, clientID string) ([]*Taxpayer, error)

	// FindTaxpayers returns the IDs of a client's taxpayers with a tax id
	FindTaxpayers(ctx context.Context, clientID, taxID string) ([]int64, error)
}

// DocumentStore manages document records. Outbound and inbound documents
// live in separate tables, so every call names the direction.
type DocumentStore interface {
	// UpsertDocument inserts a document and sets doc.ID. An inbound document
	// received again resets the state and taxpayer of the existing record;
	// an outbound key that already exists fails with ErrDuplicate.
	UpsertDocument(ctx context.Context, doc *Document) (created bool, err error)

	// GetDocument retrieves a document by key
	GetDocument(ctx context.Context, dir reliability.Direction, key string) (*Document, error)

	// GetDocumentByID retrieves a document by row ID
	GetDocumentByID(ctx context.Context, dir reliability.Direction, id int64) (*Document, error)

	// SetDocumentState updates the state, leaving the message unchanged
	SetDocumentState(ctx context.Context, dir reliability.Direction, key string, state reliability.State) error

	// SetDocumentResult updates state and message
	SetDocumentResult(ctx context.Context, dir reliability.Direction, key string, state reliability.State, message string) error
}

// QueueStore manages the retry queue. An entry is identified by key and
// direction; the direction is carried by the entry's action.
type QueueStore interface {
	// PutEntry inserts an entry, or resets the existing entry of the same
	// key and direction to the given values
	PutEntry(ctx context.Context, e *reliability.Entry) error

	// GetEntry retrieves the entry of a key and direction
	GetEntry(ctx context.Context, key string, dir reliability.Direction) (*reliability.Entry, error)

	// UpdateEntry stores the schedule, attempts, action and response of e
	UpdateEntry(ctx context.Context, e *reliability.Entry) error

	// DeleteEntry removes an entry. Deleting a missing entry is not an error.
	DeleteEntry(ctx context.Context, key string, dir reliability.Direction) error

	// ClaimNext atomically takes the oldest due entry: its next attempt is
	// moved to now+lease so no other worker picks it up, and the entry is
	// returned as it was before the claim. It returns ErrNotFound when
	// nothing is due.
	ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*reliability.Entry, error)

	// ListEntries returns all entries of a taxpayer, or every entry when
	// taxpayerID is zero
	ListEntries(ctx context.Context, taxpayerID int64) ([]*reliability.Entry, error)
}

// LedgerStore stores rate limit events
type LedgerStore interface {
	ratelimit.Ledger
}

// TokenStore stores identity provider tokens
type TokenStore interface {
	token.Store
}

// Domain models

// Taxpayer is a registered issuer. Credentials are sealed by the keystore
// package before they reach the store.
type Taxpayer struct {
	ID            int64     `bson:"_id" json:"id"`
	ClientID      string    `bson:"client_id" json:"clientId"`
	TaxID         string    `bson:"tax_id" json:"taxId"`
	EnvironmentID int       `bson:"environment_id" json:"environmentId"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updatedAt"`

	// Sealed API account of the identity provider
	Username []byte `bson:"username" json:"-"`
	Password []byte `bson:"password" json:"-"`

	// PKCS#12 keystore and its sealed PIN
	Keystore []byte `bson:"keystore" json:"-"`
	PIN      []byte `bson:"pin" json:"-"`
}

// Document is the record of one document in one direction
type Document struct {
	ID         int64                 `bson:"row_id" json:"id"`
	Direction  reliability.Direction `bson:"direction" json:"direction"`
	TaxpayerID int64                 `bson:"taxpayer_id" json:"taxpayerId"`
	Key        string                `bson:"key" json:"key"`
	State      reliability.State     `bson:"state" json:"state"`
	Message    string                `bson:"message" json:"message"`
	CreatedAt  time.Time             `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time             `bson:"updated_at" json:"updatedAt"`
}
