package chat

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultMongoCollection holds chat messages.
const DefaultMongoCollection = "messages"

// MongoStore implements message persistence over MongoDB.
//
// The client is owned by the caller; this store must NOT disconnect it.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore constructs a store over db.collection.
func NewMongoStore(db *mongo.Database, collection string) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("chat: nil mongo database")
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoStore{coll: db.Collection(collection)}, nil
}

// EnsureIndexes creates the idempotency and conversation indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().
				SetName("uq_sender_client_msg").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_msg_id": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("ix_pair_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("chat: mongo indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	_, err := s.coll.InsertOne(ctx, m)
	if err == nil {
		return m, false, nil
	}
	if mongo.IsDuplicateKeyError(err) && m.ClientMsgID != "" {
		prev, err := s.FindByClientMsgID(ctx, m.SenderID, m.ClientMsgID)
		return prev, err == nil, err
	}
	return Message{}, false, err
}

func (s *MongoStore) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, error) {
	if clientMsgID == "" {
		return Message{}, notFound("chat.FindByClientMsgID")
	}
	return s.findOne(ctx, "chat.FindByClientMsgID", bson.M{"sender_id": senderID, "client_msg_id": clientMsgID})
}

func (s *MongoStore) Get(ctx context.Context, id string) (Message, error) {
	return s.findOne(ctx, "chat.Get", bson.M{"_id": id})
}

func (s *MongoStore) Conversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender_id": a, "receiver_id": b},
		bson.M{"sender_id": b, "receiver_id": a},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, 32)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	reverse(out)
	return out, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return notFound("chat.Delete")
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, op string, filter bson.M) (Message, error) {
	var m Message
	err := s.coll.FindOne(ctx, filter).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, notFound(op)
	}
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

var _ Store = (*MongoStore)(nil)
