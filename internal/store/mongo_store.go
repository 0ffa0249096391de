package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

const (
	requestsCollection = "requests"
	webhooksCollection = "webhooks"
	webhookDocumentID  = "default"
)

type MongoStore struct {
	client   *mongo.Client
	requests *mongo.Collection
	webhooks *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		requests: db.Collection(requestsCollection),
		webhooks: db.Collection(webhooksCollection),
	}

	_, err = s.requests.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "request_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create request_id index: %w", err)
	}

	return s, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Create(ctx context.Context, req domain.ProcessingRequest) error {
	if _, err := s.requests.InsertOne(ctx, req.Clone()); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (domain.ProcessingRequest, bool, error) {
	var req domain.ProcessingRequest
	err := s.requests.FindOne(ctx, bson.D{{Key: "request_id", Value: id}}).Decode(&req)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ProcessingRequest{}, false, nil
		}
		return domain.ProcessingRequest{}, false, fmt.Errorf("find request: %w", err)
	}
	for i := range req.Products {
		req.Products[i].OutputURLs = outputURLs(req.Products[i].OutputURLs)
	}
	return req, true, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	res, err := s.requests.UpdateOne(
		ctx,
		bson.D{{Key: "request_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: status},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrRequestNotFound
	}
	return nil
}

// UpdateProduct uses the positional operator so only the matched array
// element is written.
func (s *MongoStore) UpdateProduct(ctx context.Context, id string, serial int, update ProductUpdate) error {
	res, err := s.requests.UpdateOne(
		ctx,
		bson.D{
			{Key: "request_id", Value: id},
			{Key: "products.serial_number", Value: serial},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "products.$.output_urls", Value: outputURLs(update.OutputURLs)},
			{Key: "products.$.processing_status", Value: update.Status},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("update product %d: %w", serial, err)
	}
	if res.MatchedCount == 0 {
		return s.missing(ctx, id, ErrProductNotFound)
	}
	return nil
}

func (s *MongoStore) CompleteWithExport(ctx context.Context, id string, export []byte) error {
	res, err := s.requests.UpdateOne(
		ctx,
		bson.D{
			{Key: "request_id", Value: id},
			{Key: "csv_data", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "csv_data", Value: export},
			{Key: "status", Value: domain.StatusCompleted},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.missing(ctx, id, ErrExportAlreadySet)
	}
	return nil
}

func (s *MongoStore) SaveTarget(ctx context.Context, target domain.NotificationTarget) error {
	if target.UpdatedAt.IsZero() {
		target.UpdatedAt = time.Now().UTC()
	}
	if target.Events == nil {
		target.Events = []string{}
	}

	_, err := s.webhooks.UpdateOne(
		ctx,
		bson.D{{Key: "_id", Value: webhookDocumentID}},
		bson.D{{Key: "$set", Value: target}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert webhook: %w", err)
	}
	return nil
}

func (s *MongoStore) ActiveTarget(ctx context.Context) (domain.NotificationTarget, bool, error) {
	var target domain.NotificationTarget
	err := s.webhooks.FindOne(ctx, bson.D{
		{Key: "_id", Value: webhookDocumentID},
		{Key: "active", Value: true},
	}).Decode(&target)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.NotificationTarget{}, false, nil
		}
		return domain.NotificationTarget{}, false, fmt.Errorf("find webhook: %w", err)
	}
	return target, true, nil
}

func (s *MongoStore) missing(ctx context.Context, id string, cause error) error {
	n, err := s.requests.CountDocuments(ctx, bson.D{{Key: "request_id", Value: id}})
	if err != nil {
		return fmt.Errorf("check request existence: %w", err)
	}
	if n == 0 {
		return domain.ErrRequestNotFound
	}
	return cause
}
