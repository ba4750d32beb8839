package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection    = "users"
	groupsCollection   = "groups"
	messagesCollection = "messages"
)

// MongoStore persists to a MongoDB database.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	groups   *mongo.Collection
	messages *mongo.Collection
}

// ConnectMongo dials uri, verifies the connection and returns a store using
// the named database.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := NewMongoStore(client, client.Database(database))
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore wraps an existing client and database.
func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:   client,
		users:    db.Collection(usersCollection),
		groups:   db.Collection(groupsCollection),
		messages: db.Collection(messagesCollection),
	}
}

// EnsureIndexes creates the indexes used by history and membership queries.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "groupId", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("group_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("direct_created_idx"),
		},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	_, err = s.groups.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "members", Value: 1}},
		Options: options.Index().SetName("members_idx"),
	})
	if err != nil {
		return fmt.Errorf("create group indexes: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, notFound("user", id, err)
	}
	return &u, nil
}

func (s *MongoStore) PutUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put user %q: %w", u.ID, err)
	}
	return nil
}

func (s *MongoStore) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "fullName", Value: 1}})
	return findAll[User](ctx, s.users, bson.M{"_id": bson.M{"$ne": excludeID}}, opts)
}

func (s *MongoStore) SaveMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	// Upsert on id keeps retried saves idempotent.
	_, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$setOnInsert": m},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *MongoStore) DirectMessages(ctx context.Context, a, b string) ([]Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"senderId": a, "receiverId": b},
		bson.M{"senderId": b, "receiverId": a},
	}}
	return findAll[Message](ctx, s.messages, filter, chronological())
}

func (s *MongoStore) GroupMessages(ctx context.Context, groupID string) ([]Message, error) {
	return findAll[Message](ctx, s.messages, bson.M{"groupId": groupID}, chronological())
}

func (s *MongoStore) CreateGroup(ctx context.Context, g *Group) error {
	now := time.Now().UTC()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Members == nil {
		g.Members = []string{}
	}
	if _, err := s.groups.InsertOne(ctx, g); err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (s *MongoStore) FindGroupByID(ctx context.Context, id string) (*Group, error) {
	var g Group
	if err := s.groups.FindOne(ctx, bson.M{"_id": id}).Decode(&g); err != nil {
		return nil, notFound("group", id, err)
	}
	return &g, nil
}

func (s *MongoStore) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var g Group
	opts := options.FindOne().SetProjection(bson.M{"members": 1})
	if err := s.groups.FindOne(ctx, bson.M{"_id": groupID}, opts).Decode(&g); err != nil {
		return nil, notFound("group", groupID, err)
	}
	return g.Members, nil
}

func (s *MongoStore) AddMember(ctx context.Context, groupID, userID string) (*Group, error) {
	return s.updateGroup(ctx, groupID, bson.M{"$addToSet": bson.M{"members": userID}})
}

func (s *MongoStore) RemoveMember(ctx context.Context, groupID, userID string) (*Group, error) {
	return s.updateGroup(ctx, groupID, bson.M{"$pull": bson.M{"members": userID}})
}

func (s *MongoStore) updateGroup(ctx context.Context, groupID string, update bson.M) (*Group, error) {
	update["$set"] = bson.M{"updatedAt": time.Now().UTC()}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var g Group
	if err := s.groups.FindOneAndUpdate(ctx, bson.M{"_id": groupID}, update, opts).Decode(&g); err != nil {
		return nil, notFound("group", groupID, err)
	}
	return &g, nil
}

func (s *MongoStore) GroupsOf(ctx context.Context, userID string) ([]Group, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	return findAll[Group](ctx, s.groups, bson.M{"members": userID}, opts)
}

func chronological() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter any, opts *options.FindOptions) ([]T, error) {
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", coll.Name(), err)
	}
	defer cur.Close(ctx)

	out := []T{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll.Name(), err)
	}
	return out, nil
}

// notFound maps mongo.ErrNoDocuments to ErrNotFound.
func notFound(kind, id string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("find %s %q: %w", kind, id, err)
}
