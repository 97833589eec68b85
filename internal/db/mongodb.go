package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kemet/ev-payments/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB holds the append-only transaction log. Documents are created once
// and only advanced status-forward; guarded updates enforce that here rather
// than trusting callers.
type MongoDB struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// creates a new MongoDB instance
func NewMongoDB(uri, dbName string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	collection := client.Database(dbName).Collection("transactions")

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "gateway_ref", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
	}

	_, err = collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoDB{
		client:     client,
		collection: collection,
	}, nil
}

// closes the mongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// creates a new transaction record
func (m *MongoDB) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}

	now := time.Now()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	_, err := m.collection.InsertOne(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// retrieves a transaction by ID
func (m *MongoDB) GetTransactionByID(ctx context.Context, id string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := m.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return &transaction, nil
}

// retrieves a transaction by its gateway reference
func (m *MongoDB) GetTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := m.collection.FindOne(ctx, bson.M{"gateway_ref": gatewayRef}).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by gateway ref: %w", err)
	}

	return &transaction, nil
}

// FindBlockingTransaction returns the user's most recent pending/processing
// transaction created at or after the given instant, or nil if none exists.
// Used for the duplicate-purchase cooldown.
func (m *MongoDB) FindBlockingTransaction(ctx context.Context, userID string, since time.Time) (*models.Transaction, error) {
	filter := bson.M{
		"user_id":    userID,
		"status":     bson.M{"$in": bson.A{models.Pending, models.Processing}},
		"created_at": bson.M{"$gte": since},
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var transaction models.Transaction
	err := m.collection.FindOne(ctx, filter, opts).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil // no blocker, not an error
		}
		return nil, fmt.Errorf("failed to find blocking transaction: %w", err)
	}

	return &transaction, nil
}

// MarkProcessing advances a pending transaction to processing and records the
// gateway reference. If a settlement raced ahead and the transaction is no
// longer pending, the current document is returned unchanged, with the
// gateway reference backfilled if it was still missing.
func (m *MongoDB) MarkProcessing(ctx context.Context, id, gatewayRef string) (*models.Transaction, error) {
	filter := bson.M{"_id": id, "status": models.Pending}
	update := bson.M{
		"$set": bson.M{
			"status":      models.Processing,
			"gateway_ref": gatewayRef,
			"updated_at":  time.Now(),
		},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var transaction models.Transaction
	err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&transaction)
	if err == nil {
		return &transaction, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("failed to mark transaction processing: %w", err)
	}

	// Not pending anymore. Keep the gateway ref for the audit trail if the
	// racing settlement did not set one.
	_, err = m.collection.UpdateOne(ctx,
		bson.M{"_id": id, "gateway_ref": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"gateway_ref": gatewayRef, "updated_at": time.Now()}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to backfill gateway ref: %w", err)
	}

	return m.GetTransactionByID(ctx, id)
}

// Finalize moves a transaction into a terminal status. The filter only
// matches non-terminal documents, so a terminal status can never regress and
// at most one caller wins the transition. The bool reports whether this call
// performed the transition; false with a nil error means the transaction was
// already terminal (the idempotent no-op path).
func (m *MongoDB) Finalize(ctx context.Context, id string, status models.TransactionStatus, errorReason string, payload map[string]any) (*models.Transaction, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	now := time.Now()
	set := bson.M{
		"status":       status,
		"processed_at": now,
		"updated_at":   now,
	}
	if errorReason != "" {
		set["error_reason"] = errorReason
	}
	if payload != nil {
		set["gateway_payload"] = payload
	}

	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": bson.A{models.Pending, models.Processing}},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var transaction models.Transaction
	err := m.collection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&transaction)
	if err == nil {
		return &transaction, true, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, false, fmt.Errorf("failed to finalize transaction: %w", err)
	}

	// Either unknown or already terminal; the caller distinguishes the two.
	existing, err := m.GetTransactionByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// retrieves a user's transactions, newest first
func (m *MongoDB) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	return m.list(ctx, bson.M{"user_id": userID}, limit)
}

// retrieves all transactions, newest first
func (m *MongoDB) ListAll(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return m.list(ctx, bson.M{}, limit)
}

func (m *MongoDB) list(ctx context.Context, filter bson.M, limit int) ([]*models.Transaction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var transactions []*models.Transaction
	if err := cursor.All(ctx, &transactions); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}

	return transactions, nil
}

// FindStale returns non-terminal transactions created before the cutoff,
// oldest first. The reconciler feeds on this.
func (m *MongoDB) FindStale(ctx context.Context, olderThan time.Time) ([]*models.Transaction, error) {
	filter := bson.M{
		"status":     bson.M{"$in": bson.A{models.Pending, models.Processing}},
		"created_at": bson.M{"$lte": olderThan},
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var transactions []*models.Transaction
	if err := cursor.All(ctx, &transactions); err != nil {
		return nil, fmt.Errorf("failed to decode stale transactions: %w", err)
	}

	return transactions, nil
}

// Stats aggregates transaction counts per status plus completed revenue.
func (m *MongoDB) Stats(ctx context.Context) (*models.PaymentStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "amount", Value: bson.D{{Key: "$sum", Value: "$amount_minor"}}},
			{Key: "kw", Value: bson.D{{Key: "$sum", Value: "$kw_amount"}}},
		}}},
	}

	cursor, err := m.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status models.TransactionStatus `bson:"_id"`
		Count  int64                    `bson:"count"`
		Amount int64                    `bson:"amount"`
		Kw     int64                    `bson:"kw"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	stats := &models.PaymentStats{}
	for _, row := range rows {
		stats.TotalTransactions += row.Count
		switch row.Status {
		case models.Pending:
			stats.Pending = row.Count
		case models.Processing:
			stats.Processing = row.Count
		case models.Completed:
			stats.Completed = row.Count
			stats.RevenueMinor = row.Amount
			stats.KwSold = row.Kw
		case models.Failed:
			stats.Failed = row.Count
		case models.Cancelled:
			stats.Cancelled = row.Count
		}
	}

	return stats, nil
}
