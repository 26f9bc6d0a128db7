package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/1ureka/1ureka.net.call/internal/util"
)

var _ Store = (*MongoStore)(nil)

// Database and collection names used by the MongoStore.
var (
	mongoDBName        = "rov1"
	mongoCallsColl     = "calls"
	mongoCandidateColl = "candidates"

	// Abandoned records expire server-side; a finished call is deleted by
	// its initiator long before this. Candidates expire on the same clock,
	// catching any orphan left by an append racing the channel deletion.
	mongoCallExpireAfter = int32((time.Hour).Seconds())
	mongoCallExpireName  = "call_expire"
	mongoCandExpireName  = "candidate_expire"
)

// candidateDoc is the stored form of one appended candidate. Payload holds
// the candidate JSON verbatim.
type candidateDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	CallID    string             `bson:"call_id"`
	Role      Role               `bson:"role"`
	Payload   string             `bson:"payload"`
	CreatedAt time.Time          `bson:"created_at"`
}

// MongoStore keeps channels in MongoDB so peers on different machines can
// share one signaling deployment. Watches ride on change streams, which
// require a replica set (any Atlas tier qualifies).
type MongoStore struct {
	calls      *mongo.Collection
	candidates *mongo.Collection
}

// NewMongoStore wires the store onto the given client and ensures its
// indexes. The client stays owned by the caller.
func NewMongoStore(ctx context.Context, client *mongo.Client) (*MongoStore, error) {
	db := client.Database(mongoDBName)
	s := &MongoStore{
		calls:      db.Collection(mongoCallsColl),
		candidates: db.Collection(mongoCandidateColl),
	}

	_, err := s.calls.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
			Options: &options.IndexOptions{
				Name:               &mongoCallExpireName,
				ExpireAfterSeconds: &mongoCallExpireAfter,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring call indexes: %w", err)
	}

	_, err = s.candidates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "call_id", Value: 1}, {Key: "role", Value: 1}}},
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
			Options: &options.IndexOptions{
				Name:               &mongoCandExpireName,
				ExpireAfterSeconds: &mongoCallExpireAfter,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring candidate indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) CreateChannel(ctx context.Context, offer SessionDescription, createdBy string) (string, error) {
	rec := CallRecord{
		ID:        util.NewCallID(),
		Offer:     offer,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.calls.InsertOne(ctx, rec); err != nil {
		return "", fmt.Errorf("inserting call record: %w", err)
	}
	return rec.ID, nil
}

func (s *MongoStore) GetChannel(ctx context.Context, channelID string) (*CallRecord, error) {
	var rec CallRecord
	err := s.calls.FindOne(ctx, bson.D{{Key: "_id", Value: channelID}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching call record: %w", err)
	}
	return &rec, nil
}

func (s *MongoStore) SetAnswer(ctx context.Context, channelID string, answer SessionDescription, answeredBy string) error {
	// Single conditional update: only an unanswered record matches, so
	// concurrent answerers race on the server and exactly one wins.
	res := s.calls.FindOneAndUpdate(ctx,
		bson.D{
			{Key: "_id", Value: channelID},
			{Key: "answer", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "answer", Value: answer},
			{Key: "answered_by", Value: answeredBy},
		}}},
	)
	err := res.Err()
	if err == nil {
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("writing answer: %w", err)
	}

	// No match: the record is either gone or already answered.
	if _, lookupErr := s.GetChannel(ctx, channelID); lookupErr != nil {
		return lookupErr
	}
	return ErrAlreadyAnswered
}

func (s *MongoStore) WatchChannel(ctx context.Context, channelID string, onUpdate func(*CallRecord)) (func(), error) {
	cs, err := s.calls.Watch(ctx, []bson.D{
		{
			{Key: "$match", Value: bson.D{
				{Key: "documentKey._id", Value: channelID},
			}},
		},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("opening record stream: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cs.Close(context.Background())

		// Catch-up read: an answer written between the caller's last look
		// and the stream opening would otherwise never surface.
		if rec, err := s.GetChannel(watchCtx, channelID); err == nil && rec.Answered() {
			onUpdate(rec)
		}

		for cs.Next(watchCtx) {
			var ev struct {
				OperationType string     `bson:"operationType"`
				FullDocument  CallRecord `bson:"fullDocument"`
			}
			if err := cs.Decode(&ev); err != nil {
				util.LogWarning("record stream decode: %v", err)
				continue
			}
			if ev.OperationType == "delete" {
				onUpdate(nil)
				continue
			}
			rec := ev.FullDocument
			onUpdate(&rec)
		}
	}()
	return cancel, nil
}

func (s *MongoStore) AppendCandidate(ctx context.Context, channelID string, role Role, payload json.RawMessage) error {
	if _, err := s.GetChannel(ctx, channelID); err != nil {
		return err
	}
	doc := candidateDoc{
		CallID:    channelID,
		Role:      role,
		Payload:   string(payload),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.candidates.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("appending candidate: %w", err)
	}
	return nil
}

func (s *MongoStore) WatchCandidates(ctx context.Context, channelID string, role Role, onCandidate func(json.RawMessage)) (func(), error) {
	// Stream before backlog: anything the backlog query misses the stream
	// carries, and the seen set filters the overlap.
	cs, err := s.candidates.Watch(ctx, []bson.D{
		{
			{Key: "$match", Value: bson.D{
				{Key: "operationType", Value: "insert"},
				{Key: "fullDocument.call_id", Value: channelID},
				{Key: "fullDocument.role", Value: role},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening candidate stream: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cs.Close(context.Background())

		seen := make(map[primitive.ObjectID]struct{})

		cur, err := s.candidates.Find(watchCtx,
			bson.D{{Key: "call_id", Value: channelID}, {Key: "role", Value: role}},
			options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			util.LogWarning("candidate backlog query: %v", err)
		} else {
			var docs []candidateDoc
			if err := cur.All(watchCtx, &docs); err != nil {
				util.LogWarning("candidate backlog read: %v", err)
			} else {
				for _, doc := range docs {
					seen[doc.ID] = struct{}{}
					onCandidate(json.RawMessage(doc.Payload))
				}
			}
		}

		for cs.Next(watchCtx) {
			var ev struct {
				FullDocument candidateDoc `bson:"fullDocument"`
			}
			if err := cs.Decode(&ev); err != nil {
				util.LogWarning("candidate stream decode: %v", err)
				continue
			}
			if _, dup := seen[ev.FullDocument.ID]; dup {
				continue
			}
			onCandidate(json.RawMessage(ev.FullDocument.Payload))
		}
	}()
	return cancel, nil
}

func (s *MongoStore) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := s.calls.DeleteOne(ctx, bson.D{{Key: "_id", Value: channelID}}); err != nil {
		return fmt.Errorf("deleting call record: %w", err)
	}
	if _, err := s.candidates.DeleteMany(ctx, bson.D{{Key: "call_id", Value: channelID}}); err != nil {
		return fmt.Errorf("deleting candidate logs: %w", err)
	}
	return nil
}
