package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ashureev/poten/internal/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Collection names.
const (
	collUsers     = "users"
	collLogins    = "login_logs"
	collMessages  = "chat_messages"
	collSessions  = "chat_sessions"
	collTokens    = "login_tokens"
	mongoConnWait = 10 * time.Second
)

// MongoStore implements Repository on MongoDB collections.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	logins   *mongo.Collection
	messages *mongo.Collection
	sessions *mongo.Collection
	tokens   *mongo.Collection
}

// sessionDoc is the stored shape of a ChatSession; artifacts are kept as raw JSON text.
type sessionDoc struct {
	ID        string            `bson:"_id"`
	UserID    string            `bson:"user_id"`
	Title     string            `bson:"title"`
	Persona   string            `bson:"persona,omitempty"`
	Artifacts map[string]string `bson:"artifacts,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

func (d *sessionDoc) toDomain() *domain.ChatSession {
	s := &domain.ChatSession{
		ID:        d.ID,
		UserID:    d.UserID,
		Title:     d.Title,
		Persona:   d.Persona,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if len(d.Artifacts) > 0 {
		s.Artifacts = make(map[domain.ArtifactKind]json.RawMessage, len(d.Artifacts))
		for k, v := range d.Artifacts {
			s.Artifacts[domain.ArtifactKind(k)] = json.RawMessage(v)
		}
	}
	return s
}

// NewMongo connects to MongoDB and prepares collections and indexes.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(mongoConnWait))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		users:    db.Collection(collUsers),
		logins:   db.Collection(collLogins),
		messages: db.Collection(collMessages),
		sessions: db.Collection(collSessions),
		tokens:   db.Collection(collTokens),
	}

	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "session_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return fmt.Errorf("chat_messages index: %w", err)
	}
	if _, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("chat_sessions index: %w", err)
	}
	if _, err := s.logins.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}, {Key: "login_time", Value: -1}},
	}); err != nil {
		return fmt.Errorf("login_logs index: %w", err)
	}
	// The server reaps expired tokens on its own; the sweeper is a backstop.
	if _, err := s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}); err != nil {
		return fmt.Errorf("login_tokens ttl index: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnWait)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *MongoStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *MongoStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	update := bson.M{
		"$set": bson.M{
			"email":      user.Email,
			"name":       user.Name,
			"picture":    user.Picture,
			"provider":   user.Provider,
			"updated_at": user.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": user.CreatedAt},
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"_id": user.UserID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// LogLogin appends a login event.
func (s *MongoStore) LogLogin(ctx context.Context, event domain.LoginEvent) error {
	if _, err := s.logins.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("insert login log: %w", err)
	}
	return nil
}

// ListLogins returns recent login events for an email, newest first.
func (s *MongoStore) ListLogins(ctx context.Context, email string, limit int) ([]domain.LoginEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "login_time", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.logins.Find(ctx, bson.M{"email": email}, opts)
	if err != nil {
		return nil, fmt.Errorf("find login logs: %w", err)
	}
	var events []domain.LoginEvent
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode login logs: %w", err)
	}
	return events, nil
}

// AppendMessage persists a chat message.
func (s *MongoStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if !domain.ValidRole(msg.Role) {
		return fmt.Errorf("append message: invalid role %q", msg.Role)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ListMessages returns the latest limit messages of a conversation, oldest first.
func (s *MongoStore) ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]domain.ChatMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, bson.M{"user_id": userID, "session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find chat messages: %w", err)
	}
	msgs := make([]domain.ChatMessage, 0)
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode chat messages: %w", err)
	}
	// Fetched newest first so the limit keeps the latest messages.
	slices.Reverse(msgs)
	return msgs, nil
}

// DeleteMessages removes every message of a conversation.
func (s *MongoStore) DeleteMessages(ctx context.Context, userID, sessionID string) (int64, error) {
	res, err := s.messages.DeleteMany(ctx, bson.M{"user_id": userID, "session_id": sessionID})
	if err != nil {
		return 0, fmt.Errorf("delete chat messages: %w", err)
	}
	return res.DeletedCount, nil
}

// CreateSession inserts a new named session.
func (s *MongoStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	if session.ID == "" {
		return fmt.Errorf("create session: empty id")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	doc := sessionDoc{
		ID:        session.ID,
		UserID:    session.UserID,
		Title:     session.Title,
		Persona:   session.Persona,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}
	if _, err := s.sessions.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert chat session %s: %w", session.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

// GetSession loads a session owned by userID, with its artifacts.
func (s *MongoStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID, "user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find chat session: %w", err)
	}
	return doc.toDomain(), nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *MongoStore) ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetProjection(bson.M{"artifacts": 0})
	cur, err := s.sessions.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find chat sessions: %w", err)
	}
	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode chat sessions: %w", err)
	}
	sessions := make([]*domain.ChatSession, 0, len(docs))
	for i := range docs {
		sessions = append(sessions, docs[i].toDomain())
	}
	return sessions, nil
}

// RenameSession updates a session title.
func (s *MongoStore) RenameSession(ctx context.Context, userID, sessionID, title string) error {
	return s.updateSession(ctx, userID, sessionID, bson.M{"title": title, "updated_at": time.Now().UTC()})
}

// TouchSession bumps updated_at.
func (s *MongoStore) TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error {
	return s.updateSession(ctx, userID, sessionID, bson.M{"updated_at": at.UTC()})
}

// SaveArtifact stores or replaces an artifact on a session owned by userID.
func (s *MongoStore) SaveArtifact(ctx context.Context, userID, sessionID string, kind domain.ArtifactKind, data json.RawMessage) error {
	return s.updateSession(ctx, userID, sessionID, bson.M{
		"artifacts." + string(kind): string(data),
		"updated_at":                time.Now().UTC(),
	})
}

func (s *MongoStore) updateSession(ctx context.Context, userID, sessionID string, set bson.M) error {
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID, "user_id": userID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update chat session: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *MongoStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	res, err := s.sessions.DeleteOne(ctx, bson.M{"_id": sessionID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("delete chat session: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if _, err := s.DeleteMessages(ctx, userID, sessionID); err != nil {
		return err
	}
	return nil
}

// SaveToken persists a login or auth token.
func (s *MongoStore) SaveToken(ctx context.Context, token *domain.LoginToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	if _, err := s.tokens.InsertOne(ctx, token); err != nil {
		return fmt.Errorf("insert login token: %w", err)
	}
	return nil
}

// GetToken retrieves a token.
func (s *MongoStore) GetToken(ctx context.Context, token string) (*domain.LoginToken, error) {
	var tok domain.LoginToken
	err := s.tokens.FindOne(ctx, bson.M{"_id": token}).Decode(&tok)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find login token: %w", err)
	}
	return &tok, nil
}

// ConsumeToken atomically marks an unexpired, unconsumed token as used.
func (s *MongoStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error) {
	filter := bson.M{
		"_id":         token,
		"consumed_at": bson.M{"$exists": false},
		"expires_at":  bson.M{"$gt": now.UTC()},
	}
	update := bson.M{"$set": bson.M{"consumed_at": now.UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var tok domain.LoginToken
	err := s.tokens.FindOneAndUpdate(ctx, filter, update, opts).Decode(&tok)
	if err == nil {
		return &tok, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("consume login token: %w", err)
	}

	existing, getErr := s.GetToken(ctx, token)
	if getErr != nil && !errors.Is(getErr, ErrNotFound) {
		return nil, getErr
	}
	return nil, consumeFailure(existing, now)
}

// DeleteToken revokes a token.
func (s *MongoStore) DeleteToken(ctx context.Context, token string) error {
	if _, err := s.tokens.DeleteOne(ctx, bson.M{"_id": token}); err != nil {
		return fmt.Errorf("delete login token: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes tokens whose expiry is at or before now.
func (s *MongoStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.tokens.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return res.DeletedCount, nil
}

// ReassignGuest moves a guest's sessions and messages to userID.
func (s *MongoStore) ReassignGuest(ctx context.Context, guestID, userID string) (int64, error) {
	res, err := s.messages.UpdateMany(ctx, bson.M{"user_id": guestID}, bson.M{"$set": bson.M{"user_id": userID}})
	if err != nil {
		return 0, fmt.Errorf("reassign messages: %w", err)
	}
	if _, err := s.sessions.UpdateMany(ctx, bson.M{"user_id": guestID}, bson.M{"$set": bson.M{"user_id": userID}}); err != nil {
		return 0, fmt.Errorf("reassign sessions: %w", err)
	}
	return res.ModifiedCount, nil
}

var (
	_ Repository = (*SQLiteStore)(nil)
	_ Repository = (*MongoStore)(nil)
)
