// Package mongo keeps the audit trail in a MongoDB collection, for deployments
// that ship audit data to a separate document store.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	id "crvs/pkg/domain"
	audit "crvs/pkg/platform/audit"
)

// Config locates the audit collection. RetentionDays > 0 adds a TTL index on
// the timestamp so old entries expire on the server.
type Config struct {
	URI           string
	Database      string
	Collection    string
	RetentionDays int
}

type document struct {
	ID         primitive.ObjectID `bson:"_id"`
	Category   string             `bson:"category"`
	Timestamp  time.Time          `bson:"timestamp"`
	Action     string             `bson:"action"`
	EventID    string             `bson:"eventId,omitempty"`
	EventType  string             `bson:"eventType,omitempty"`
	ActionType string             `bson:"actionType,omitempty"`
	ActorID    string             `bson:"actorId,omitempty"`
	Decision   string             `bson:"decision,omitempty"`
	Reason     string             `bson:"reason,omitempty"`
	RequestID  string             `bson:"requestId,omitempty"`
	ClientIP   string             `bson:"clientIp,omitempty"`
}

type Store struct {
	col *mongo.Collection
}

// Open connects, pings and ensures the indexes. The returned close function
// disconnects the client.
func Open(ctx context.Context, cfg Config) (*Store, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "audit_events"
	}
	s := New(client.Database(cfg.Database).Collection(collection))
	if err := s.EnsureIndexes(ctx, cfg.RetentionDays); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return s, client.Disconnect, nil
}

func New(col *mongo.Collection) *Store {
	return &Store{col: col}
}

func (s *Store) EnsureIndexes(ctx context.Context, retentionDays int) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "eventId", Value: 1}, {Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("event_timestamp"),
		},
		{Keys: bson.D{{Key: "actorId", Value: 1}, {Key: "timestamp", Value: -1}}},
	}
	if retentionDays > 0 {
		models = append(models, mongo.IndexModel{
			Keys: bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().
				SetName("retention").
				SetExpireAfterSeconds(int32(retentionDays * 86400)),
		})
	}
	if _, err := s.col.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create audit indexes: %w", err)
	}
	return nil
}

// Ping backs the /healthz check.
func (s *Store) Ping(ctx context.Context) error {
	return s.col.Database().Client().Ping(ctx, nil)
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	category := event.Category
	if category == "" {
		category = audit.AuditEvent(event.Action).Category()
	}
	doc := document{
		ID:         primitive.NewObjectID(),
		Category:   string(category),
		Timestamp:  event.Timestamp.UTC(),
		Action:     event.Action,
		EventType:  event.EventType,
		ActionType: event.ActionType,
		Decision:   event.Decision,
		Reason:     event.Reason,
		RequestID:  event.RequestID,
		ClientIP:   event.ClientIP,
	}
	if !event.EventID.IsNil() {
		doc.EventID = event.EventID.String()
	}
	if !event.ActorID.IsNil() {
		doc.ActorID = event.ActorID.String()
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByEvent returns the trail of one event oldest first. ObjectIDs grow
// monotonically within a process, so they order entries with equal timestamps.
func (s *Store) ListByEvent(ctx context.Context, eventID id.EventID) ([]audit.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.col.Find(ctx, bson.M{"eventId": eventID.String()}, opts)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer cur.Close(ctx)

	var events []audit.Event
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, fromDocument(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

func fromDocument(doc document) audit.Event {
	e := audit.Event{
		Category:   audit.EventCategory(doc.Category),
		Timestamp:  doc.Timestamp,
		Action:     doc.Action,
		EventType:  doc.EventType,
		ActionType: doc.ActionType,
		Decision:   doc.Decision,
		Reason:     doc.Reason,
		RequestID:  doc.RequestID,
		ClientIP:   doc.ClientIP,
	}
	if eventID, err := id.ParseEventID(doc.EventID); err == nil {
		e.EventID = eventID
	}
	if actor, err := id.ParseUserID(doc.ActorID); err == nil {
		e.ActorID = actor
	}
	return e
}
