package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

// MongoStore holds the collections backing the document store driver.
type MongoStore struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
}

// NewMongoStore connects to uri and verifies the server answers. Transactions
// require a replica set.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRegistry(mongoRegistry()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	return &MongoStore{
		client:        client,
		users:         db.Collection(usersCollection),
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
	}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Users() *MongoUserRepository { return &MongoUserRepository{s} }

func (s *MongoStore) Conversations() *MongoConversationRepository {
	return &MongoConversationRepository{s}
}

func (s *MongoStore) Messages() *MongoMessageRepository { return &MongoMessageRepository{s} }

// EnsureIndexes creates the indexes the repositories rely on, including the
// unique direct key that keeps one direct conversation per pair of users.
func (s *MongoStore) EnsureIndexes(ctx context.Context) ([]string, error) {
	byCollection := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.users, []mongo.IndexModel{
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.conversations, []mongo.IndexModel{
			{
				Keys: bson.D{{Key: "directKey", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"directKey": bson.M{"$type": "string"}}),
			},
			{Keys: bson.D{{Key: "participants.userId", Value: 1}, {Key: "updatedAt", Value: -1}}},
			{Keys: bson.D{{Key: "relatedItem.itemId", Value: 1}, {Key: "relatedItem.itemKind", Value: 1}}},
		}},
		{s.messages, []mongo.IndexModel{
			{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "senderId", Value: 1}}},
		}},
	}

	var names []string
	for _, ix := range byCollection {
		created, err := ix.coll.Indexes().CreateMany(ctx, ix.models)
		if err != nil {
			return names, fmt.Errorf("failed to create indexes on %s: %w", ix.coll.Name(), err)
		}
		for _, name := range created {
			names = append(names, ix.coll.Name()+"."+name)
		}
	}
	return names, nil
}

// withTransaction runs fn in a session transaction. The driver retries fn on
// transient transaction errors.
func (s *MongoStore) withTransaction(ctx context.Context, fn func(mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

// mongoError classifies a driver error into the apperr taxonomy.
func mongoError(err error, op, entity string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return apperr.NotFound(entity)
	case mongo.IsDuplicateKeyError(err):
		return apperr.Conflict("%s already exists", entity)
	}
	for _, kind := range []error{apperr.ErrNotFound, apperr.ErrConflict, apperr.ErrValidation, apperr.ErrForbidden, apperr.ErrTransient} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return apperr.Transient(op, err)
}

var tUUID = reflect.TypeOf(uuid.UUID{})

// mongoRegistry stores uuid.UUID as BSON binary subtype 4 instead of an
// array of bytes.
func mongoRegistry() *bsoncodec.Registry {
	reg := bson.NewRegistry()
	reg.RegisterTypeEncoder(tUUID, bsoncodec.ValueEncoderFunc(encodeUUID))
	reg.RegisterTypeDecoder(tUUID, bsoncodec.ValueDecoderFunc(decodeUUID))
	return reg
}

func encodeUUID(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != tUUID {
		return bsoncodec.ValueEncoderError{Name: "encodeUUID", Types: []reflect.Type{tUUID}, Received: val}
	}
	id := val.Interface().(uuid.UUID)
	return vw.WriteBinaryWithSubtype(id[:], bsontype.BinaryUUID)
}

func decodeUUID(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	if !val.CanSet() || val.Type() != tUUID {
		return bsoncodec.ValueDecoderError{Name: "decodeUUID", Types: []reflect.Type{tUUID}, Received: val}
	}

	switch t := vr.Type(); t {
	case bsontype.Binary:
		data, subtype, err := vr.ReadBinary()
		if err != nil {
			return err
		}
		if subtype != bsontype.BinaryUUID && subtype != bsontype.BinaryUUIDOld {
			return fmt.Errorf("cannot decode binary subtype %#x into a UUID", subtype)
		}
		id, err := uuid.FromBytes(data)
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(id))
		return nil
	case bsontype.String:
		s, err := vr.ReadString()
		if err != nil {
			return err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(id))
		return nil
	case bsontype.Null:
		val.Set(reflect.Zero(tUUID))
		return vr.ReadNull()
	default:
		return fmt.Errorf("cannot decode %v into a UUID", t)
	}
}
