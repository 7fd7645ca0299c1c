package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSink stores one document per (site, site_property_id) in a MongoDB
// collection and classifies each write against the stored copy.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

var _ Sink = (*MongoSink)(nil)

// NewMongoSink connects, pings and ensures the identity index.
func NewMongoSink(uri, database, collection string, logger *slog.Logger) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "listing.site", Value: 1}, {Key: "listing.site_property_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("mongodb ensure index: %w", err)
	}

	return &MongoSink{
		client:     client,
		collection: coll,
		logger:     logger.With("component", "mongo_sink"),
	}, nil
}

func (s *MongoSink) Name() string { return "mongodb" }

func (s *MongoSink) CreateOrUpdateListing(ctx context.Context, b BuildingInfo, p PropertyInfo, l ListingInfo) (string, ChangeKind, string, error) {
	up := Upsert{Building: b, Property: p, Listing: l}
	if err := validateUpsert(up); err != nil {
		return "", "", "", err
	}
	ref := Ref(l.Site, l.SitePropertyID)
	now := l.FetchedAt
	if now.IsZero() {
		now = time.Now()
	}

	filter := bson.M{"listing.site": l.Site, "listing.site_property_id": l.SitePropertyID}

	var prev *Document
	var stored Document
	err := s.collection.FindOne(ctx, filter).Decode(&stored)
	switch {
	case err == nil:
		prev = &stored
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return "", "", "", fmt.Errorf("mongodb find: %w", err)
	}

	kind, details := Detect(prev, up)
	doc := apply(prev, up, ref, now)
	_, err = s.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return "", "", "", fmt.Errorf("mongodb upsert: %w", err)
	}

	s.logger.Debug("listing stored", "ref", ref, "kind", string(kind))
	return ref, kind, details, nil
}

func (s *MongoSink) Close(ctx context.Context) error {
	s.logger.Info("mongo sink closing")
	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Disconnect(disconnectCtx)
}
