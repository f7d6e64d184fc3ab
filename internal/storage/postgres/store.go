package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/token"
)

// Store implements storage.Store using PostgreSQL
type Store struct {
	pool PgxPool
}

var _ storage.Store = (*Store)(nil)

// New wraps a connection pool.
func New(pool PgxPool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// TaxpayerStore implementation

const taxpayerColumns = `id, client_id, tax_id, environment_id, username, password, keystore, pin, created_at, updated_at`

func scanTaxpayer(row pgx.Row) (*storage.Taxpayer, error) {
	var t storage.Taxpayer
	var env int
	err := row.Scan(&t.ID, &t.ClientID, &t.TaxID, &env, &t.Username, &t.Password,
		&t.Keystore, &t.PIN, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.EnvironmentID = env
	return &t, nil
}

func (s *Store) CreateTaxpayer(ctx context.Context, t *storage.Taxpayer) error {
	const q = `
INSERT INTO taxpayers (client_id, tax_id, environment_id, username, password, keystore, pin)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id, created_at, updated_at`
	err := s.pool.QueryRow(ctx, q, t.ClientID, t.TaxID, t.EnvironmentID,
		t.Username, t.Password, t.Keystore, t.PIN).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("taxpayer %s: %w", t.TaxID, storage.ErrDuplicate)
	}
	return err
}

func (s *Store) GetTaxpayer(ctx context.Context, id int64) (*storage.Taxpayer, error) {
	q := `SELECT ` + taxpayerColumns + ` FROM taxpayers WHERE id=$1`
	return scanTaxpayer(s.pool.QueryRow(ctx, q, id))
}

func (s *Store) UpdateTaxpayer(ctx context.Context, t *storage.Taxpayer) error {
	const q = `
UPDATE taxpayers SET client_id=$2, tax_id=$3, environment_id=$4, username=$5, password=$6,
	keystore=$7, pin=$8, updated_at=now()
WHERE id=$1`
	tag, err := s.pool.Exec(ctx, q, t.ID, t.ClientID, t.TaxID, t.EnvironmentID,
		t.Username, t.Password, t.Keystore, t.PIN)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListTaxpayers(ctx context.Context, clientID string) ([]*storage.Taxpayer, error) {
	q := `SELECT ` + taxpayerColumns + ` FROM taxpayers WHERE $1='' OR client_id=$1 ORDER BY id`
	rows, err := s.pool.Query(ctx, q, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Taxpayer
	for rows.Next() {
		t, err := scanTaxpayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) FindTaxpayers(ctx context.Context, clientID, taxID string) ([]int64, error) {
	const q = `SELECT id FROM taxpayers WHERE client_id=$1 AND tax_id=$2 ORDER BY id`
	rows, err := s.pool.Query(ctx, q, clientID, taxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DocumentStore implementation

func documentTable(dir reliability.Direction) (string, error) {
	switch dir {
	case reliability.Outbound:
		return "outbound_documents", nil
	case reliability.Inbound:
		return "inbound_documents", nil
	}
	return "", fmt.Errorf("no document table for direction %s", dir)
}

// UpsertDocument inserts the record. A second receipt of an inbound
// document takes over the existing row; an outbound key is only ever
// inserted once.
func (s *Store) UpsertDocument(ctx context.Context, doc *storage.Document) (bool, error) {
	table, err := documentTable(doc.Direction)
	if err != nil {
		return false, err
	}
	conflict := `DO NOTHING`
	if doc.Direction == reliability.Inbound {
		conflict = `DO UPDATE SET taxpayer_id=EXCLUDED.taxpayer_id, state=EXCLUDED.state, updated_at=now()`
	}
	q := `
INSERT INTO ` + table + ` (key, taxpayer_id, state) VALUES ($1,$2,$3)
ON CONFLICT (key) ` + conflict + `
RETURNING id, message, created_at, updated_at, (xmax = 0)`
	var created bool
	err = s.pool.QueryRow(ctx, q, doc.Key, doc.TaxpayerID, int(doc.State)).
		Scan(&doc.ID, &doc.Message, &doc.CreatedAt, &doc.UpdatedAt, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("document %s%s: %w", doc.Direction, doc.Key, storage.ErrDuplicate)
	}
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *Store) scanDocument(dir reliability.Direction, row pgx.Row) (*storage.Document, error) {
	d := storage.Document{Direction: dir}
	var state int
	if err := row.Scan(&d.ID, &d.TaxpayerID, &d.Key, &state, &d.Message, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	d.State = reliability.State(state)
	return &d, nil
}

func (s *Store) GetDocument(ctx context.Context, dir reliability.Direction, key string) (*storage.Document, error) {
	table, err := documentTable(dir)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, taxpayer_id, key, state, message, created_at, updated_at FROM ` + table + ` WHERE key=$1`
	return s.scanDocument(dir, s.pool.QueryRow(ctx, q, key))
}

func (s *Store) GetDocumentByID(ctx context.Context, dir reliability.Direction, id int64) (*storage.Document, error) {
	table, err := documentTable(dir)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, taxpayer_id, key, state, message, created_at, updated_at FROM ` + table + ` WHERE id=$1`
	return s.scanDocument(dir, s.pool.QueryRow(ctx, q, id))
}

func (s *Store) SetDocumentState(ctx context.Context, dir reliability.Direction, key string, state reliability.State) error {
	table, err := documentTable(dir)
	if err != nil {
		return err
	}
	q := `UPDATE ` + table + ` SET state=$2, updated_at=now() WHERE key=$1`
	tag, err := s.pool.Exec(ctx, q, key, int(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetDocumentResult(ctx context.Context, dir reliability.Direction, key string, state reliability.State, message string) error {
	table, err := documentTable(dir)
	if err != nil {
		return err
	}
	message = clip(message, maxMessage)
	q := `UPDATE ` + table + ` SET state=$2, message=$3, updated_at=now() WHERE key=$1`
	tag, err := s.pool.Exec(ctx, q, key, int(state), message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Column widths of documents.message and queue.response, in characters.
const (
	maxMessage  = 512
	maxResponse = 31
)

// clip shortens s to at most n characters. Invalid byte sequences are
// replaced first, the columns only take UTF-8.
func clip(s string, n int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// QueueStore implementation

const entryColumns = `taxpayer_id, key, action, created_at, next_attempt, attempts, response`

func scanEntry(row pgx.Row) (*reliability.Entry, error) {
	var e reliability.Entry
	var action, attempts int
	if err := row.Scan(&e.TaxpayerID, &e.Key, &action, &e.CreatedAt, &e.NextAttempt, &attempts, &e.Response); err != nil {
		return nil, notFound(err)
	}
	e.Action = reliability.Action(action)
	e.Attempts = attempts
	return &e, nil
}

func (s *Store) PutEntry(ctx context.Context, e *reliability.Entry) error {
	const q = `
INSERT INTO queue (taxpayer_id, key, direction, action, created_at, next_attempt, attempts, response)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (key, direction) DO UPDATE SET
	taxpayer_id=EXCLUDED.taxpayer_id, action=EXCLUDED.action, created_at=EXCLUDED.created_at,
	next_attempt=EXCLUDED.next_attempt, attempts=EXCLUDED.attempts, response=EXCLUDED.response`
	_, err := s.pool.Exec(ctx, q, e.TaxpayerID, e.Key, e.Action.Direction().String(), int(e.Action),
		e.CreatedAt, e.NextAttempt, e.Attempts, clip(e.Response, maxResponse))
	return err
}

func (s *Store) GetEntry(ctx context.Context, key string, dir reliability.Direction) (*reliability.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue WHERE key=$1 AND direction=$2`
	return scanEntry(s.pool.QueryRow(ctx, q, key, dir.String()))
}

func (s *Store) UpdateEntry(ctx context.Context, e *reliability.Entry) error {
	const q = `
UPDATE queue SET next_attempt=$3, attempts=$4, action=$5, response=$6
WHERE key=$1 AND direction=$2`
	response := clip(e.Response, maxResponse)
	tag, err := s.pool.Exec(ctx, q, e.Key, e.Action.Direction().String(),
		e.NextAttempt, e.Attempts, int(e.Action), response)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, key string, dir reliability.Direction) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE key=$1 AND direction=$2`, key, dir.String())
	return err
}

// ClaimNext leases the oldest due row. SKIP LOCKED lets concurrent workers
// pass over a row another transaction is claiming.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*reliability.Entry, error) {
	const q = `
UPDATE queue q SET next_attempt=$2
FROM (
	SELECT key, direction, next_attempt FROM queue
	WHERE next_attempt <= $1 AND action < $3 AND attempts < $4
	ORDER BY next_attempt, created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) due
WHERE q.key = due.key AND q.direction = due.direction
RETURNING q.taxpayer_id, q.key, q.action, q.created_at, due.next_attempt, q.attempts, q.response`
	return scanEntry(s.pool.QueryRow(ctx, q, now, now.Add(lease),
		int(reliability.ActionDisabledOutbound), reliability.MaxAttempts))
}

func (s *Store) ListEntries(ctx context.Context, taxpayerID int64) ([]*reliability.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue WHERE $1=0 OR taxpayer_id=$1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, taxpayerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*reliability.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LedgerStore implementation

func (s *Store) Append(ctx context.Context, taxID string, c ratelimit.Category, at time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO rate_limit_events (tax_id, category, at) VALUES ($1,$2,$3)`,
		taxID, int(c), at)
	return err
}

func (s *Store) CountSince(ctx context.Context, taxID string, since time.Time) (map[ratelimit.Category]int, error) {
	const q = `
SELECT category, COUNT(*) FROM rate_limit_events
WHERE tax_id=$1 AND at >= $2
GROUP BY category`
	rows, err := s.pool.Query(ctx, q, taxID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ratelimit.Category]int)
	for rows.Next() {
		var category int
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[ratelimit.Category(category)] = int(n)
	}
	return counts, rows.Err()
}

// PruneLedger deletes events older than before.
func (s *Store) PruneLedger(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_events WHERE at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TokenStore implementation

func (s *Store) GetToken(ctx context.Context, taxID string, environmentID int) (*token.Record, bool, error) {
	const q = `
SELECT access_token, access_expiry, refresh_token, refresh_expiry
FROM tokens WHERE tax_id=$1 AND environment_id=$2`
	rec := token.Record{TaxID: taxID, EnvironmentID: environmentID}
	err := s.pool.QueryRow(ctx, q, taxID, environmentID).
		Scan(&rec.AccessToken, &rec.AccessExpiry, &rec.RefreshToken, &rec.RefreshExpiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *Store) UpsertToken(ctx context.Context, rec *token.Record) error {
	const q = `
INSERT INTO tokens (tax_id, environment_id, access_token, access_expiry, refresh_token, refresh_expiry)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (tax_id, environment_id) DO UPDATE SET
	access_token=EXCLUDED.access_token, access_expiry=EXCLUDED.access_expiry,
	refresh_token=EXCLUDED.refresh_token, refresh_expiry=EXCLUDED.refresh_expiry`
	_, err := s.pool.Exec(ctx, q, rec.TaxID, rec.EnvironmentID, rec.AccessToken,
		rec.AccessExpiry, rec.RefreshToken, rec.RefreshExpiry)
	return err
}
