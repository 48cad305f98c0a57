// Package mongostore keeps the audit ledger in a MongoDB collection.
//
// Ids come from a counters document incremented with $inc, so entry order
// is the same integer order the SQLite backend uses. A unique index on
// prevHash turns a stale-tip insert into a duplicate key error, which is
// reported as audit.ErrTipMoved.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/glucomate/auditledger/internal/audit"
)

// Config selects the deployment and collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Store implements audit.Store on MongoDB.
type Store struct {
	client   *mongo.Client
	col      *mongo.Collection
	counters *mongo.Collection
}

type document struct {
	ID         int64  `bson:"_id"`
	CreatedAt  string `bson:"createdAt"`
	UserID     string `bson:"userId,omitempty"`
	UserEmail  string `bson:"userEmail,omitempty"`
	UserRole   string `bson:"userRole,omitempty"`
	HasActor   bool   `bson:"hasActor,omitempty"`
	IPAddress  string `bson:"ipAddress,omitempty"`
	Action     string `bson:"action"`
	EntityType string `bson:"entityType,omitempty"`
	EntityID   string `bson:"entityId,omitempty"`
	HasEntity  bool   `bson:"hasEntity,omitempty"`
	OldValue   string `bson:"oldValue,omitempty"`
	NewValue   string `bson:"newValue,omitempty"`
	Details    string `bson:"details,omitempty"`
	PrevHash   string `bson:"prevHash"`
	Hash       string `bson:"hash"`
}

// Open connects and ensures indexes.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cl, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	db := cl.Database(cfg.Database)
	s := &Store{
		client:   cl,
		col:      db.Collection(cfg.Collection),
		counters: db.Collection(cfg.Collection + "_counters"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cl.Disconnect(ctx)
		return nil, fmt.Errorf("creating ledger indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "prevHash", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("prev_hash_unique"),
		},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "action", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
		{Keys: bson.D{{Key: "userEmail", Value: 1}}},
	})
	return err
}

// Tip returns the hash of the highest-id document.
func (s *Store) Tip(ctx context.Context) (string, error) {
	var d document
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})
	err := s.col.FindOne(ctx, bson.M{}, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading chain tip: %w", err)
	}
	return d.Hash, nil
}

// Append reserves the next id and inserts e. The id is reserved after the
// writer read its tip, so a successful insert always sorts after the entry
// it links to.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}
	e.ID = id

	if _, err := s.col.InsertOne(ctx, toDocument(e)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return audit.ErrTipMoved
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	return nil
}

func (s *Store) nextID(ctx context.Context) (int64, error) {
	var c struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "entries"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&c)
	if err != nil {
		return 0, fmt.Errorf("reserving ledger id: %w", err)
	}
	return c.Seq, nil
}

// Scan streams documents with _id > afterID in ascending order.
func (s *Store) Scan(ctx context.Context, afterID int64, fn func(audit.Entry) error) error {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.col.Find(ctx, bson.M{"_id": bson.M{"$gt": afterID}}, opts)
	if err != nil {
		return fmt.Errorf("scanning ledger: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return fmt.Errorf("decoding ledger entry: %w", err)
		}
		if err := fn(d.entry()); err != nil {
			if errors.Is(err, audit.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return cur.Err()
}

// Find returns matching entries newest first.
func (s *Store) Find(ctx context.Context, c audit.Criteria, limit, offset int) ([]audit.Entry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cur, err := s.col.Find(ctx, filter(c), opts)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer cur.Close(ctx)

	list := make([]audit.Entry, 0, limit)
	for cur.Next(ctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decoding ledger entry: %w", err)
		}
		list = append(list, d.entry())
	}
	return list, cur.Err()
}

// Count returns the number of documents matching c.
func (s *Store) Count(ctx context.Context, c audit.Criteria) (int, error) {
	n, err := s.col.CountDocuments(ctx, filter(c))
	if err != nil {
		return 0, fmt.Errorf("counting ledger entries: %w", err)
	}
	return int(n), nil
}

// Actions returns the distinct action values, sorted.
func (s *Store) Actions(ctx context.Context) ([]string, error) {
	vals, err := s.col.Distinct(ctx, "action", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	actions := make([]string, 0, len(vals))
	for _, v := range vals {
		if a, ok := v.(string); ok {
			actions = append(actions, a)
		}
	}
	sort.Strings(actions)
	return actions, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func filter(c audit.Criteria) bson.M {
	q := bson.M{}
	if len(c.Actions) > 0 {
		q["action"] = bson.M{"$in": c.Actions}
	}
	if c.EntityType != "" {
		q["entityType"] = c.EntityType
	}
	if c.MaxID > 0 {
		q["_id"] = bson.M{"$lte": c.MaxID}
	}
	var and []bson.M
	if c.Actor != "" {
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"userEmail": c.Actor},
			bson.M{"userId": c.Actor},
		}})
	}
	if !c.Since.IsZero() || !c.Until.IsZero() {
		rng := bson.M{}
		if !c.Since.IsZero() {
			rng["$gte"] = audit.FormatTime(c.Since)
		}
		if !c.Until.IsZero() {
			rng["$lte"] = audit.FormatTime(c.Until)
		}
		q["createdAt"] = rng
	}
	if c.Search != "" {
		re := bson.M{"$regex": regexp.QuoteMeta(c.Search), "$options": "i"}
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"action": re},
			bson.M{"details": re},
			bson.M{"oldValue": re},
			bson.M{"newValue": re},
		}})
	}
	if len(and) > 0 {
		q["$and"] = and
	}
	return q
}

func toDocument(e *audit.Entry) document {
	d := document{
		ID:        e.ID,
		CreatedAt: audit.FormatTime(e.CreatedAt),
		IPAddress: e.SourceAddress,
		Action:    e.Action,
		OldValue:  e.OldValue.Text(),
		NewValue:  e.NewValue.Text(),
		Details:   e.Details.Text(),
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
	}
	if e.Actor != nil {
		d.HasActor = true
		d.UserID, d.UserEmail, d.UserRole = e.Actor.UserID, e.Actor.Email, e.Actor.Role
	}
	if e.Entity != nil {
		d.HasEntity = true
		d.EntityType, d.EntityID = e.Entity.Type, e.Entity.ID
	}
	return d
}

func (d document) entry() audit.Entry {
	e := audit.Entry{
		ID:            d.ID,
		SourceAddress: d.IPAddress,
		Action:        d.Action,
		OldValue:      audit.ParsePayload(d.OldValue),
		NewValue:      audit.ParsePayload(d.NewValue),
		Details:       audit.ParsePayload(d.Details),
		PrevHash:      d.PrevHash,
		Hash:          d.Hash,
	}
	if t, err := audit.ParseTime(d.CreatedAt); err == nil {
		e.CreatedAt = t
	}
	if d.HasActor {
		e.Actor = &audit.Actor{UserID: d.UserID, Email: d.UserEmail, Role: d.UserRole}
	}
	if d.HasEntity {
		e.Entity = &audit.EntityRef{Type: d.EntityType, ID: d.EntityID}
	}
	return e
}
