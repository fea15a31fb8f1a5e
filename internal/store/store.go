// Package store defines the out-of-scope persistent collaborators named in
// spec §1: "the persistent sequence-number index" and "the session-id
// persistence store". Only their interfaces are specified by spec.md;
// this package additionally provides a Mongo-backed implementation of each
// (fronted by an expirable LRU read cache, mirroring the topic-tree node
// cache of the teacher corpus) and an in-memory adapter for tests and
// standalone runs.
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/logger"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/session"
)

// SessionIDCollectionName and SequenceCollectionName are the Mongo
// collections backing the two stores.
const (
	SessionIDCollectionName = "gateway_session_ids"
	SequenceCollectionName  = "gateway_sequence_numbers"
)

// sessionIDDocument is the Mongo document for one composite-key -> session
// id allocation.
type sessionIDDocument struct {
	Key       string `bson:"key"`
	SessionID int64  `bson:"session_id"`
}

// sequenceDocument is the Mongo document tracking last-sent/received
// sequence numbers for one session_id.
type sequenceDocument struct {
	SessionID  int64 `bson:"session_id"`
	LastSent   int64 `bson:"last_sent"`
	LastRecv   int64 `bson:"last_recv"`
	LoggedInAt int64 `bson:"logged_in_at"`
}

// SessionIDStore satisfies session.SessionIDStrategy: given a composite
// key, it returns the session_id previously allocated to it, allocating a
// fresh one on first logon (spec §1 "session-id persistence store").
type SessionIDStore interface {
	session.SessionIDStrategy
}

// SequenceIndex is the persistent sequence-number index of spec §1: last
// sent/received sequence numbers per session_id, read during accept,
// initiate and library-death reacquisition (spec §4.1, §4.3).
type SequenceIndex interface {
	// LastKnown returns the last sent/received sequence numbers for
	// sessionID, and whether the session has ever logged in before (spec
	// §3 Invariants: "sessionState == ACTIVE iff the receive
	// sequence-number index has a last-known number >= 0").
	LastKnown(ctx context.Context, sessionID int64) (lastSent, lastRecv int64, everLoggedIn bool, err error)
	RecordSent(ctx context.Context, sessionID, seqNo int64) error
	RecordReceived(ctx context.Context, sessionID, seqNo int64) error
}

// IndexPositionReporter is an optional capability a SequenceIndex may
// implement to report whether it has caught up indexing sessionID's
// latest writes. The Framer's awaiting_indexing_up_to cooperative wait
// (spec §4.1 "Initiate handling", §4.3, §5 "Suspension points") consults
// this before trusting a LastKnown read; a SequenceIndex that doesn't
// implement it is assumed always caught up. Both adapters below write
// RecordSent/RecordReceived synchronously — there is no separate
// background indexer in this design — so both report caught up
// unconditionally and the wait degenerates to a single check.
type IndexPositionReporter interface {
	IndexedUpTo(sessionID int64) bool
}

// MongoSessionIDStore is the Mongo-backed SessionIDStore, fronted by an
// expirable LRU cache on the read path (mirrors the teacher's
// getNodeByPath cache-aside pattern).
type MongoSessionIDStore struct {
	collection     *mongo.Collection
	operationTO    time.Duration
	cache          *expirable.LRU[string, int64]
	nextSessionID  atomic.Int64
}

// NewMongoSessionIDStore wires a SessionIDStore against an already-connected
// collection, with a cache of up to cacheSize entries expiring after ttl.
func NewMongoSessionIDStore(collection *mongo.Collection, operationTimeout time.Duration, cacheSize int, ttl time.Duration) *MongoSessionIDStore {
	return &MongoSessionIDStore{
		collection:  collection,
		operationTO: operationTimeout,
		cache:       expirable.NewLRU[string, int64](cacheSize, nil, ttl),
	}
}

// EnsureIndexes creates the unique index on the composite key, mirroring
// the teacher's ConnectDatabase index-setup step.
func (s *MongoSessionIDStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("session_ids_key_unique"),
	})
	return err
}

// OnLogon implements session.SessionIDStrategy: look up the composite
// key's session_id (cache first, then Mongo), allocating and persisting a
// fresh one if this is the key's first logon.
func (s *MongoSessionIDStore) OnLogon(key session.CompositeKey) (int64, error) {
	keyStr := key.String()
	if id, ok := s.cache.Get(keyStr); ok {
		return id, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.operationTO)
	defer cancel()

	var doc sessionIDDocument
	startTime := time.Now()
	err := s.collection.FindOne(ctx, bson.D{{Key: "key", Value: keyStr}}).Decode(&doc)
	logger.DebugF("session id lookup cost: %v", time.Since(startTime))

	if err == nil {
		s.cache.Add(keyStr, doc.SessionID)
		return doc.SessionID, nil
	}
	if err != mongo.ErrNoDocuments {
		return 0, err
	}

	newID := s.allocateSessionID()
	_, err = s.collection.InsertOne(ctx, sessionIDDocument{Key: keyStr, SessionID: newID})
	if err != nil {
		return 0, err
	}
	s.cache.Add(keyStr, newID)
	return newID, nil
}

// allocateSessionID mints a process-unique session_id. A real deployment
// would source this from a persistent counter document; this keeps the
// allocation monotonic for the lifetime of the store.
func (s *MongoSessionIDStore) allocateSessionID() int64 {
	return s.nextSessionID.Add(1)
}

// MongoSequenceIndex is the Mongo-backed SequenceIndex.
type MongoSequenceIndex struct {
	collection  *mongo.Collection
	operationTO time.Duration
}

// NewMongoSequenceIndex wires a SequenceIndex against an already-connected
// collection.
func NewMongoSequenceIndex(collection *mongo.Collection, operationTimeout time.Duration) *MongoSequenceIndex {
	return &MongoSequenceIndex{collection: collection, operationTO: operationTimeout}
}

func (idx *MongoSequenceIndex) LastKnown(ctx context.Context, sessionID int64) (int64, int64, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, idx.operationTO)
	defer cancel()

	var doc sequenceDocument
	err := idx.collection.FindOne(opCtx, bson.D{{Key: "session_id", Value: sessionID}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return doc.LastSent, doc.LastRecv, true, nil
}

func (idx *MongoSequenceIndex) RecordSent(ctx context.Context, sessionID, seqNo int64) error {
	return idx.update(ctx, sessionID, bson.D{{Key: "last_sent", Value: seqNo}})
}

func (idx *MongoSequenceIndex) RecordReceived(ctx context.Context, sessionID, seqNo int64) error {
	return idx.update(ctx, sessionID, bson.D{{Key: "last_recv", Value: seqNo}})
}

// IndexedUpTo always reports true: writes to this collection happen
// synchronously on the same call path that later reads LastKnown, so
// there is never an indexing lag to wait out.
func (idx *MongoSequenceIndex) IndexedUpTo(int64) bool {
	return true
}

func (idx *MongoSequenceIndex) update(ctx context.Context, sessionID int64, set bson.D) error {
	opCtx, cancel := context.WithTimeout(ctx, idx.operationTO)
	defer cancel()

	filter := bson.D{{Key: "session_id", Value: sessionID}}
	update := bson.D{{Key: "$set", Value: set}, {Key: "$setOnInsert", Value: bson.D{{Key: "session_id", Value: sessionID}}}}
	_, err := idx.collection.UpdateOne(opCtx, filter, update, options.Update().SetUpsert(true))
	return err
}

// MemorySessionIDStore is an in-memory SessionIDStore for tests and
// standalone runs without a Mongo deployment.
type MemorySessionIDStore struct {
	mu      sync.Mutex
	byKey   map[string]int64
	counter int64
}

// NewMemorySessionIDStore returns an empty in-memory SessionIDStore.
func NewMemorySessionIDStore() *MemorySessionIDStore {
	return &MemorySessionIDStore{byKey: make(map[string]int64)}
}

func (s *MemorySessionIDStore) OnLogon(key session.CompositeKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyStr := key.String()
	if id, ok := s.byKey[keyStr]; ok {
		return id, nil
	}
	s.counter++
	s.byKey[keyStr] = s.counter
	return s.counter, nil
}

// MemorySequenceIndex is an in-memory SequenceIndex for tests and
// standalone runs without a Mongo deployment.
type MemorySequenceIndex struct {
	mu   sync.Mutex
	data map[int64]*sequenceDocument
}

// NewMemorySequenceIndex returns an empty in-memory SequenceIndex.
func NewMemorySequenceIndex() *MemorySequenceIndex {
	return &MemorySequenceIndex{data: make(map[int64]*sequenceDocument)}
}

func (idx *MemorySequenceIndex) LastKnown(_ context.Context, sessionID int64) (int64, int64, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	doc, ok := idx.data[sessionID]
	if !ok {
		return 0, 0, false, nil
	}
	return doc.LastSent, doc.LastRecv, true, nil
}

func (idx *MemorySequenceIndex) RecordSent(_ context.Context, sessionID, seqNo int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	doc := idx.getOrCreate(sessionID)
	doc.LastSent = seqNo
	return nil
}

func (idx *MemorySequenceIndex) RecordReceived(_ context.Context, sessionID, seqNo int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	doc := idx.getOrCreate(sessionID)
	doc.LastRecv = seqNo
	return nil
}

// IndexedUpTo always reports true, for the same reason as
// MongoSequenceIndex.IndexedUpTo: writes are synchronous with reads.
func (idx *MemorySequenceIndex) IndexedUpTo(int64) bool {
	return true
}

func (idx *MemorySequenceIndex) getOrCreate(sessionID int64) *sequenceDocument {
	doc, ok := idx.data[sessionID]
	if !ok {
		doc = &sequenceDocument{SessionID: sessionID}
		idx.data[sessionID] = doc
	}
	return doc
}
