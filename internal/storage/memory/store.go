// Package memory implements storage interfaces in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/token"
)

type docKey struct {
	dir reliability.Direction
	key string
}

// Store implements storage.Store in memory.
type Store struct {
	*ratelimit.MemoryLedger
	*token.MemoryStore

	mu         sync.Mutex
	taxpayers  map[int64]*storage.Taxpayer
	documents  map[docKey]*storage.Document
	queue      map[docKey]*reliability.Entry
	lastID     int64
	lastDocIDs map[reliability.Direction]int64
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		MemoryLedger: ratelimit.NewMemoryLedger(),
		MemoryStore:  token.NewMemoryStore(),
		taxpayers:    make(map[int64]*storage.Taxpayer),
		documents:    make(map[docKey]*storage.Document),
		queue:        make(map[docKey]*reliability.Entry),
		lastDocIDs:   make(map[reliability.Direction]int64),
	}
}

func (s *Store) Close(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error  { return nil }

// TaxpayerStore implementation

func (s *Store) CreateTaxpayer(_ context.Context, t *storage.Taxpayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	t.ID = s.lastID
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	s.taxpayers[t.ID] = &cp
	return nil
}

func (s *Store) GetTaxpayer(_ context.Context, id int64) (*storage.Taxpayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.taxpayers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateTaxpayer(_ context.Context, t *storage.Taxpayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.taxpayers[t.ID]
	if !ok {
		return storage.ErrNotFound
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = time.Now()
	cp := *t
	s.taxpayers[t.ID] = &cp
	return nil
}

func (s *Store) ListTaxpayers(_ context.Context, clientID string) ([]*storage.Taxpayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.Taxpayer
	for _, t := range s.taxpayers {
		if clientID == "" || t.ClientID == clientID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindTaxpayers(ctx context.Context, clientID, taxID string) ([]int64, error) {
	all, _ := s.ListTaxpayers(ctx, clientID)
	var ids []int64
	for _, t := range all {
		if t.TaxID == taxID {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// DocumentStore implementation

func (s *Store) UpsertDocument(_ context.Context, doc *storage.Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	k := docKey{doc.Direction, doc.Key}
	if old, ok := s.documents[k]; ok {
		if doc.Direction != reliability.Inbound {
			return false, fmt.Errorf("document %s%s: %w", doc.Direction, doc.Key, storage.ErrDuplicate)
		}
		old.TaxpayerID = doc.TaxpayerID
		old.State = doc.State
		old.UpdatedAt = now
		doc.ID = old.ID
		doc.CreatedAt = old.CreatedAt
		doc.Message = old.Message
		return false, nil
	}
	s.lastDocIDs[doc.Direction]++
	doc.ID = s.lastDocIDs[doc.Direction]
	doc.CreatedAt = now
	doc.UpdatedAt = now
	cp := *doc
	s.documents[k] = &cp
	return true, nil
}

func (s *Store) GetDocument(_ context.Context, dir reliability.Direction, key string) (*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.documents[docKey{dir, key}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) GetDocumentByID(_ context.Context, dir reliability.Direction, id int64) (*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, d := range s.documents {
		if k.dir == dir && d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) SetDocumentState(_ context.Context, dir reliability.Direction, key string, state reliability.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.documents[docKey{dir, key}]
	if !ok {
		return storage.ErrNotFound
	}
	d.State = state
	d.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetDocumentResult(_ context.Context, dir reliability.Direction, key string, state reliability.State, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.documents[docKey{dir, key}]
	if !ok {
		return storage.ErrNotFound
	}
	d.State = state
	d.Message = message
	d.UpdatedAt = time.Now()
	return nil
}

// QueueStore implementation

func (s *Store) PutEntry(_ context.Context, e *reliability.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.queue[docKey{e.Action.Direction(), e.Key}] = &cp
	return nil
}

func (s *Store) GetEntry(_ context.Context, key string, dir reliability.Direction) (*reliability.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[docKey{dir, key}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) UpdateEntry(_ context.Context, e *reliability.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.queue[docKey{e.Action.Direction(), e.Key}]
	if !ok {
		return storage.ErrNotFound
	}
	old.NextAttempt = e.NextAttempt
	old.Attempts = e.Attempts
	old.Action = e.Action
	old.Response = e.Response
	return nil
}

func (s *Store) DeleteEntry(_ context.Context, key string, dir reliability.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queue, docKey{dir, key})
	return nil
}

func (s *Store) ClaimNext(_ context.Context, now time.Time, lease time.Duration) (*reliability.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *reliability.Entry
	for _, e := range s.queue {
		if !e.Due(now) {
			continue
		}
		if next == nil || e.NextAttempt.Before(next.NextAttempt) ||
			(e.NextAttempt.Equal(next.NextAttempt) && e.CreatedAt.Before(next.CreatedAt)) {
			next = e
		}
	}
	if next == nil {
		return nil, storage.ErrNotFound
	}
	claimed := *next
	next.NextAttempt = now.Add(lease)
	return &claimed, nil
}

func (s *Store) ListEntries(_ context.Context, taxpayerID int64) ([]*reliability.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*reliability.Entry
	for _, e := range s.queue {
		if taxpayerID == 0 || e.TaxpayerID == taxpayerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
