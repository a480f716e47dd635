package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// Collection names
const (
	CollectionPairingAuditLog = "pairing_audit_log"
	CollectionPairedDevices   = "paired_devices"
)

// Audit retention
const auditRetentionDays = 90

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)
	if dbName == "" {
		dbName = "scribesync"
	}

	db := &MongoDB{
		client:   client,
		database: client.Database(dbName),
		dbName:   dbName,
	}

	log.Printf("✅ Connected to MongoDB database: %s", dbName)

	return db, nil
}

// extractDBName extracts the database name from MongoDB URI
// mongodb://localhost:27017/scribesync?authSource=admin -> scribesync
func extractDBName(uri string) string {
	lastSlash := -1
	questionMark := -1

	for i, c := range uri {
		if c == '/' {
			lastSlash = i
		}
		if c == '?' && questionMark == -1 {
			questionMark = i
		}
	}

	if lastSlash != -1 {
		start := lastSlash + 1
		end := len(uri)
		if questionMark != -1 && questionMark > lastSlash {
			end = questionMark
		}
		if start < end {
			return uri[start:end]
		}
	}

	return ""
}

// Initialize creates indexes for all collections
func (m *MongoDB) Initialize(ctx context.Context) error {
	log.Println("📦 Initializing MongoDB indexes...")

	// Audit log: query by owner, age out after retention window
	if err := m.createIndexes(ctx, CollectionPairingAuditLog, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(auditRetentionDays * 24 * 3600)},
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollectionPairingAuditLog, err)
	}

	// Paired device history: one row per owner/device pair
	if err := m.createIndexes(ctx, CollectionPairedDevices, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "device_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "last_seen_at", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", CollectionPairedDevices, err)
	}

	log.Println("✅ MongoDB indexes initialized")
	return nil
}

// createIndexes creates indexes for a collection
func (m *MongoDB) createIndexes(ctx context.Context, collection string, indexes []mongo.IndexModel) error {
	_, err := m.database.Collection(collection).Indexes().CreateMany(ctx, indexes)
	return err
}

// AuditLog returns the pairing audit log collection
func (m *MongoDB) AuditLog() *mongo.Collection {
	return m.database.Collection(CollectionPairingAuditLog)
}

// PairedDevices returns the paired device history collection
func (m *MongoDB) PairedDevices() *mongo.Collection {
	return m.database.Collection(CollectionPairedDevices)
}

// UpsertPairedDevice records or refreshes a device history entry.
func (m *MongoDB) UpsertPairedDevice(ctx context.Context, ownerID, deviceID, deviceName, transport string) error {
	now := time.Now()
	filter := bson.M{"owner_id": ownerID, "device_id": deviceID}
	update := bson.M{
		"$set": bson.M{
			"device_name":  deviceName,
			"transport":    transport,
			"last_seen_at": now,
		},
		"$setOnInsert": bson.M{
			"owner_id":        ownerID,
			"device_id":       deviceID,
			"first_paired_at": now,
		},
	}
	_, err := m.PairedDevices().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// ListPairedDevices returns an owner's device history, most recent first.
func (m *MongoDB) ListPairedDevices(ctx context.Context, ownerID string, limit int64) ([]bson.M, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_seen_at", Value: -1}}).SetLimit(limit)
	cursor, err := m.PairedDevices().Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []bson.M
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Disconnect closes the MongoDB connection
func (m *MongoDB) Disconnect(ctx context.Context) error {
	log.Println("🔌 Disconnecting from MongoDB...")
	return m.client.Disconnect(ctx)
}

// Database returns the underlying database handle
func (m *MongoDB) Database() *mongo.Database {
	return m.database
}

// HealthCheck verifies the database connection
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}
