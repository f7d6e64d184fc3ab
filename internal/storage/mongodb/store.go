// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/josiasmc/facturador-electronico-cr/internal/storage"
	"github.com/josiasmc/facturador-electronico-cr/pkg/ratelimit"
	"github.com/josiasmc/facturador-electronico-cr/pkg/reliability"
	"github.com/josiasmc/facturador-electronico-cr/pkg/token"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	bucket *gridfs.Bucket

	// Collections
	counters  *mongo.Collection
	taxpayers *mongo.Collection
	outbound  *mongo.Collection
	inbound   *mongo.Collection
	queue     *mongo.Collection
	events    *mongo.Collection
	tokens    *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	s, err := newStore(client, client.Database(cfg.Database), cfg)
	if err != nil {
		return nil, err
	}
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func newStore(client *mongo.Client, db *mongo.Database, cfg *Config) (*Store, error) {
	// GridFS bucket for the document archive
	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "archive"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	return &Store{
		client:    client,
		db:        db,
		bucket:    bucket,
		counters:  db.Collection("counters"),
		taxpayers: db.Collection("taxpayers"),
		outbound:  db.Collection("outbound_documents"),
		inbound:   db.Collection("inbound_documents"),
		queue:     db.Collection("queue"),
		events:    db.Collection("rate_limit_events"),
		tokens:    db.Collection("tokens"),
	}, nil
}

// Bucket returns the GridFS bucket used by the archive.
func (s *Store) Bucket() *gridfs.Bucket {
	return s.bucket
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.taxpayers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "client_id", Value: 1}, {Key: "tax_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating taxpayer indexes: %w", err)
	}

	for _, coll := range []*mongo.Collection{s.outbound, s.inbound} {
		_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "row_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		})
		if err != nil {
			return fmt.Errorf("creating document indexes: %w", err)
		}
	}

	_, err = s.queue.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}, {Key: "direction", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "next_attempt", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "taxpayer_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating queue indexes: %w", err)
	}

	// Events expire on their own once they are out of every window.
	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tax_id", Value: 1}, {Key: "at", Value: 1}}},
		{Keys: bson.D{{Key: "at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(int32(2 * ratelimit.Window / time.Second))},
	})
	if err != nil {
		return fmt.Errorf("creating ledger indexes: %w", err)
	}

	_, err = s.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tax_id", Value: 1}, {Key: "environment_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("creating token indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	return err
}

// nextID allocates the next value of a named sequence.
func (s *Store) nextID(ctx context.Context, name string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx, bson.M{"_id": name}, bson.M{"$inc": bson.M{"seq": int64(1)}}, opts).
		Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocating %s id: %w", name, err)
	}
	return counter.Seq, nil
}

// TaxpayerStore implementation

func (s *Store) CreateTaxpayer(ctx context.Context, t *storage.Taxpayer) error {
	id, err := s.nextID(ctx, "taxpayers")
	if err != nil {
		return err
	}
	t.ID = id
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	_, err = s.taxpayers.InsertOne(ctx, t)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("taxpayer %d: %w", t.ID, storage.ErrDuplicate)
	}
	return err
}

func (s *Store) GetTaxpayer(ctx context.Context, id int64) (*storage.Taxpayer, error) {
	var t storage.Taxpayer
	if err := s.taxpayers.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *Store) UpdateTaxpayer(ctx context.Context, t *storage.Taxpayer) error {
	t.UpdatedAt = time.Now()
	res, err := s.taxpayers.UpdateOne(ctx, bson.M{"_id": t.ID}, bson.M{"$set": bson.M{
		"client_id":      t.ClientID,
		"tax_id":         t.TaxID,
		"environment_id": t.EnvironmentID,
		"username":       t.Username,
		"password":       t.Password,
		"keystore":       t.Keystore,
		"pin":            t.PIN,
		"updated_at":     t.UpdatedAt,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListTaxpayers(ctx context.Context, clientID string) ([]*storage.Taxpayer, error) {
	query := bson.M{}
	if clientID != "" {
		query["client_id"] = clientID
	}
	cursor, err := s.taxpayers.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var taxpayers []*storage.Taxpayer
	if err := cursor.All(ctx, &taxpayers); err != nil {
		return nil, err
	}
	return taxpayers, nil
}

func (s *Store) FindTaxpayers(ctx context.Context, clientID, taxID string) ([]int64, error) {
	query := bson.M{"tax_id": taxID}
	if clientID != "" {
		query["client_id"] = clientID
	}
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.taxpayers.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []int64
	for cursor.Next(ctx) {
		var row struct {
			ID int64 `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.ID)
	}
	return ids, cursor.Err()
}

// DocumentStore implementation

func (s *Store) documents(dir reliability.Direction) (*mongo.Collection, error) {
	switch dir {
	case reliability.Outbound:
		return s.outbound, nil
	case reliability.Inbound:
		return s.inbound, nil
	}
	return nil, fmt.Errorf("no document collection for direction %s", dir)
}

func (s *Store) UpsertDocument(ctx context.Context, doc *storage.Document) (bool, error) {
	coll, err := s.documents(doc.Direction)
	if err != nil {
		return false, err
	}
	now := time.Now()

	if doc.Direction == reliability.Inbound {
		var existing storage.Document
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		err = coll.FindOneAndUpdate(ctx, bson.M{"key": doc.Key}, bson.M{"$set": bson.M{
			"taxpayer_id": doc.TaxpayerID,
			"state":       doc.State,
			"updated_at":  now,
		}}, opts).Decode(&existing)
		if err == nil {
			doc.ID = existing.ID
			doc.Message = existing.Message
			doc.CreatedAt = existing.CreatedAt
			doc.UpdatedAt = now
			return false, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return false, err
		}
	}

	id, err := s.nextID(ctx, coll.Name())
	if err != nil {
		return false, err
	}
	doc.ID = id
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if doc.Direction != reliability.Inbound {
				return false, fmt.Errorf("document %s%s: %w", doc.Direction, doc.Key, storage.ErrDuplicate)
			}
			// Inserted concurrently; take the update path.
			return s.UpsertDocument(ctx, doc)
		}
		return false, err
	}
	return true, nil
}

func (s *Store) findDocument(ctx context.Context, dir reliability.Direction, filter bson.M) (*storage.Document, error) {
	coll, err := s.documents(dir)
	if err != nil {
		return nil, err
	}
	var doc storage.Document
	if err := coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	doc.Direction = dir
	return &doc, nil
}

func (s *Store) GetDocument(ctx context.Context, dir reliability.Direction, key string) (*storage.Document, error) {
	return s.findDocument(ctx, dir, bson.M{"key": key})
}

func (s *Store) GetDocumentByID(ctx context.Context, dir reliability.Direction, id int64) (*storage.Document, error) {
	return s.findDocument(ctx, dir, bson.M{"row_id": id})
}

func (s *Store) setDocument(ctx context.Context, dir reliability.Direction, key string, set bson.M) error {
	coll, err := s.documents(dir)
	if err != nil {
		return err
	}
	set["updated_at"] = time.Now()
	res, err := coll.UpdateOne(ctx, bson.M{"key": key}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetDocumentState(ctx context.Context, dir reliability.Direction, key string, state reliability.State) error {
	return s.setDocument(ctx, dir, key, bson.M{"state": state})
}

func (s *Store) SetDocumentResult(ctx context.Context, dir reliability.Direction, key string, state reliability.State, message string) error {
	return s.setDocument(ctx, dir, key, bson.M{"state": state, "message": message})
}

// QueueStore implementation

type entryDoc struct {
	TaxpayerID  int64     `bson:"taxpayer_id"`
	Key         string    `bson:"key"`
	Direction   string    `bson:"direction"`
	Action      int       `bson:"action"`
	CreatedAt   time.Time `bson:"created_at"`
	NextAttempt time.Time `bson:"next_attempt"`
	Attempts    int       `bson:"attempts"`
	Response    string    `bson:"response"`
}

func toEntryDoc(e *reliability.Entry) entryDoc {
	return entryDoc{
		TaxpayerID:  e.TaxpayerID,
		Key:         e.Key,
		Direction:   e.Action.Direction().String(),
		Action:      int(e.Action),
		CreatedAt:   e.CreatedAt,
		NextAttempt: e.NextAttempt,
		Attempts:    e.Attempts,
		Response:    e.Response,
	}
}

func (d *entryDoc) entry() *reliability.Entry {
	return &reliability.Entry{
		TaxpayerID:  d.TaxpayerID,
		Key:         d.Key,
		Action:      reliability.Action(d.Action),
		CreatedAt:   d.CreatedAt,
		NextAttempt: d.NextAttempt,
		Attempts:    d.Attempts,
		Response:    d.Response,
	}
}

func entryFilter(key string, dir reliability.Direction) bson.M {
	return bson.M{"key": key, "direction": dir.String()}
}

func (s *Store) PutEntry(ctx context.Context, e *reliability.Entry) error {
	doc := toEntryDoc(e)
	_, err := s.queue.ReplaceOne(ctx, entryFilter(e.Key, e.Action.Direction()), doc,
		options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetEntry(ctx context.Context, key string, dir reliability.Direction) (*reliability.Entry, error) {
	var doc entryDoc
	if err := s.queue.FindOne(ctx, entryFilter(key, dir)).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.entry(), nil
}

func (s *Store) UpdateEntry(ctx context.Context, e *reliability.Entry) error {
	res, err := s.queue.UpdateOne(ctx, entryFilter(e.Key, e.Action.Direction()), bson.M{"$set": bson.M{
		"next_attempt": e.NextAttempt,
		"attempts":     e.Attempts,
		"action":       int(e.Action),
		"response":     e.Response,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, key string, dir reliability.Direction) error {
	_, err := s.queue.DeleteOne(ctx, entryFilter(key, dir))
	return err
}

// ClaimNext leases the oldest due entry with a single FindOneAndUpdate,
// which MongoDB applies atomically to one document.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*reliability.Entry, error) {
	filter := bson.M{
		"next_attempt": bson.M{"$lte": now},
		"action":       bson.M{"$lt": int(reliability.ActionDisabledOutbound)},
		"attempts":     bson.M{"$lt": reliability.MaxAttempts},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_attempt", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.Before)

	var doc entryDoc
	err := s.queue.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{"next_attempt": now.Add(lease)}}, opts).Decode(&doc)
	if err != nil {
		return nil, notFound(err)
	}
	return doc.entry(), nil
}

func (s *Store) ListEntries(ctx context.Context, taxpayerID int64) ([]*reliability.Entry, error) {
	query := bson.M{}
	if taxpayerID != 0 {
		query["taxpayer_id"] = taxpayerID
	}
	cursor, err := s.queue.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	entries := make([]*reliability.Entry, len(docs))
	for i := range docs {
		entries[i] = docs[i].entry()
	}
	return entries, nil
}

// LedgerStore implementation

func (s *Store) Append(ctx context.Context, taxID string, c ratelimit.Category, at time.Time) error {
	_, err := s.events.InsertOne(ctx, bson.M{"tax_id": taxID, "category": int(c), "at": at})
	return err
}

func (s *Store) CountSince(ctx context.Context, taxID string, since time.Time) (map[ratelimit.Category]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"tax_id": taxID, "at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{"_id": "$category", "n": bson.M{"$sum": 1}}}},
	}
	cursor, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	counts := make(map[ratelimit.Category]int)
	for cursor.Next(ctx) {
		var row struct {
			Category int `bson:"_id"`
			N        int `bson:"n"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		counts[ratelimit.Category(row.Category)] = row.N
	}
	return counts, cursor.Err()
}

// TokenStore implementation

type tokenDoc struct {
	TaxID         string    `bson:"tax_id"`
	EnvironmentID int       `bson:"environment_id"`
	AccessToken   string    `bson:"access_token"`
	AccessExpiry  time.Time `bson:"access_expiry"`
	RefreshToken  string    `bson:"refresh_token"`
	RefreshExpiry time.Time `bson:"refresh_expiry"`
}

func (s *Store) GetToken(ctx context.Context, taxID string, environmentID int) (*token.Record, bool, error) {
	var doc tokenDoc
	err := s.tokens.FindOne(ctx, bson.M{"tax_id": taxID, "environment_id": environmentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &token.Record{
		TaxID:         doc.TaxID,
		EnvironmentID: doc.EnvironmentID,
		AccessToken:   doc.AccessToken,
		AccessExpiry:  doc.AccessExpiry,
		RefreshToken:  doc.RefreshToken,
		RefreshExpiry: doc.RefreshExpiry,
	}, true, nil
}

func (s *Store) UpsertToken(ctx context.Context, rec *token.Record) error {
	doc := tokenDoc{
		TaxID:         rec.TaxID,
		EnvironmentID: rec.EnvironmentID,
		AccessToken:   rec.AccessToken,
		AccessExpiry:  rec.AccessExpiry,
		RefreshToken:  rec.RefreshToken,
		RefreshExpiry: rec.RefreshExpiry,
	}
	_, err := s.tokens.ReplaceOne(ctx,
		bson.M{"tax_id": rec.TaxID, "environment_id": rec.EnvironmentID},
		doc, options.Replace().SetUpsert(true))
	return err
}
