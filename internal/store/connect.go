package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/config"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/logger"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/utils"
)

// Store bundles the two out-of-scope persistence collaborators of spec §1
// (the session-id store and the sequence-number index) behind one Mongo
// connection, so cmd/gatewayd has a single thing to connect and close.
type Store struct {
	client          *mongo.Client
	operationTO     time.Duration
	SessionIDs      *MongoSessionIDStore
	SequenceNumbers *MongoSequenceIndex
}

// Connect dials Mongo per cfg.Mongo, mirroring the teacher's
// ConnectDatabase (pool sizing, idle/connect/socket timeouts, heartbeat,
// optional TLS), then wires both stores against their
// collections and ensures their indexes.
func Connect(cfg config.Config) (*Store, error) {
	logger.DebugF("connecting to database...")

	operationTimeout := utils.ParseStringTime(cfg.Mongo.OperationTimeout)

	encodedUser := url.QueryEscape(cfg.Mongo.Username)
	encodedPass := url.QueryEscape(cfg.Mongo.Password)
	databaseURL := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass, cfg.Mongo.Host, cfg.Mongo.Port)

	clientOptions := options.Client().ApplyURI(databaseURL).SetAppName(cfg.AppName)
	clientOptions.SetMinPoolSize(cfg.Mongo.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.Mongo.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.Mongo.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.ParseStringTime(cfg.Mongo.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.Mongo.SocketTimeout))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(cfg.Mongo.Heartbeat))
	if cfg.Mongo.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to database: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	db := client.Database(cfg.Mongo.Database)
	sessionIDs := NewMongoSessionIDStore(db.Collection(SessionIDCollectionName), operationTimeout, 4096, 10*time.Minute)
	sequenceNumbers := NewMongoSequenceIndex(db.Collection(SequenceCollectionName), operationTimeout)

	if err := sessionIDs.EnsureIndexes(context.Background()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: creating session id indexes: %w", err)
	}
	if err := sequenceNumbers.EnsureIndexes(context.Background()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: creating sequence number indexes: %w", err)
	}

	return &Store{
		client:          client,
		operationTO:     operationTimeout,
		SessionIDs:      sessionIDs,
		SequenceNumbers: sequenceNumbers,
	}, nil
}

// Invoke disconnects the underlying Mongo client. It satisfies
// internal/event.Callable so it can be registered directly with the
// cleaner (spec's ambient shutdown stack, teacher's DBCloseCallback).
func (s *Store) Invoke(ctx context.Context) error {
	logger.InfoF("closing database connection")
	ctx, cancel := context.WithTimeout(ctx, s.operationTO)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique index on session_id, mirroring
// MongoSessionIDStore.EnsureIndexes.
func (idx *MongoSequenceIndex) EnsureIndexes(ctx context.Context) error {
	_, err := idx.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("sequence_numbers_session_id_unique"),
	})
	return err
}
