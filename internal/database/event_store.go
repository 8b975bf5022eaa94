package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
)

const EventCollectionName = "telemetry_events"

var ErrEmptyEvent = errors.New("telemetry event name is empty")

// TelemetryEvent is one fire-and-forget broker event persisted for diagnostics.
type TelemetryEvent struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Event     string             `bson:"event"`
	Instance  string             `bson:"instance"`
	Timestamp time.Time          `bson:"timestamp"`
	Fields    bson.M             `bson:"fields,omitempty"`
}

func NewTelemetryEvent(instance, name string, fields map[string]any, at time.Time) TelemetryEvent {
	doc := TelemetryEvent{
		Event:     name,
		Instance:  instance,
		Timestamp: at.UTC(),
	}
	if len(fields) > 0 {
		doc.Fields = make(bson.M, len(fields))
		for k, v := range fields {
			doc.Fields[k] = v
		}
	}
	return doc
}

// InsertEvents writes a batch without stopping at the first failed document.
func (s *Store) InsertEvents(ctx context.Context, events []TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]any, 0, len(events))
	for _, e := range events {
		if e.Event == "" {
			return ErrEmptyEvent
		}
		docs = append(docs, e)
	}

	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	startTime := time.Now()
	result, err := s.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	logger.DebugF("telemetry insert cost: %v", time.Since(startTime))
	if err != nil {
		if mongo.IsTimeout(err) {
			return fmt.Errorf("telemetry insert timed out: %w", err)
		}
		return fmt.Errorf("database operation failed: %w", err)
	}
	logger.DebugF("Telemetry events saved: inserted=%d", len(result.InsertedIDs))
	return nil
}

// RecentEvents returns the newest events, limited to one event name unless
// name is empty.
func (s *Store) RecentEvents(ctx context.Context, name string, limit int64) ([]TelemetryEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	filter := bson.D{}
	if name != "" {
		filter = bson.D{{Key: "event", Value: name}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)
	cursor, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	var out []TelemetryEvent
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode telemetry events: %w", err)
	}
	return out, nil
}
