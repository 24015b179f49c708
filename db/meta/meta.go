// Package meta is the metadata repository: object descriptors, conversations
// and messages, stored as JSON values in the tkv store.
package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/InsulaLabs/parley/db/models"
	"github.com/InsulaLabs/parley/db/tkv"
	"github.com/google/uuid"
)

const (
	KeyPrefixObject       = "object:"       // object:<digest> => models.Object
	KeyPrefixConversation = "conversation:" // conversation:<id> => models.Conversation
	KeyPrefixMessage      = "message:"      // message:<conversation id>:<uuid v7> => models.Message
	KeyPrefixMember       = "member:"       // member:<user>:<conversation id> => conversation id
	KeyPrefixMemberSet    = "members:"      // members:<sorted members, NUL separated> => models.Conversation

	DefaultPageSize = 30
	MaxPageSize     = 200
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotMember     = errors.New("user is not a member of the conversation")
	ErrEmptyContent  = errors.New("message content is empty")
	ErrTooFewMembers = errors.New("a conversation needs at least two distinct members")
)

type Repository struct {
	logger *slog.Logger
	kv     tkv.TKV
}

func New(logger *slog.Logger, kv tkv.TKV) *Repository {
	return &Repository{
		logger: logger,
		kv:     kv,
	}
}

func objectKey(digest string) string {
	return KeyPrefixObject + digest
}

func conversationKey(id string) string {
	return KeyPrefixConversation + id
}

func messagePrefix(conversationID string) string {
	return fmt.Sprintf("%s%s:", KeyPrefixMessage, conversationID)
}

func memberPrefix(userID string) string {
	return fmt.Sprintf("%s%s:", KeyPrefixMember, userID)
}

// memberSetKey expects members deduplicated and sorted.
func memberSetKey(members []string) string {
	return KeyPrefixMemberSet + strings.Join(members, "\x00")
}

// FindObjectByDigest looks the descriptor up, reading through the cache.
// A missing record is reported as found == false, not as an error.
func (r *Repository) FindObjectByDigest(ctx context.Context, digest string) (models.Object, bool, error) {
	key := objectKey(digest)

	raw, err := r.kv.CacheGet(key)
	if err != nil {
		raw, err = r.kv.Get(key)
		if tkv.IsErrKeyNotFound(err) {
			return models.Object{}, false, nil
		}
		if err != nil {
			return models.Object{}, false, err
		}
		if err := r.kv.CacheSet(key, raw, 0); err != nil {
			r.logger.Debug("Could not cache object descriptor", "digest", digest, "error", err)
		}
	}

	var obj models.Object
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return models.Object{}, false, fmt.Errorf("decode object %s: %w", digest, err)
	}
	return obj, true, nil
}

// RecordObject stores a new descriptor. The first record for a digest wins;
// a second record for the same digest is not an error and leaves the first
// one untouched.
func (r *Repository) RecordObject(ctx context.Context, obj models.Object) error {
	if obj.UploadedAt.IsZero() {
		obj.UploadedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	err = r.kv.SetNX(objectKey(obj.Digest), string(raw))
	if tkv.IsErrKeyExists(err) {
		r.logger.Debug("Object descriptor already recorded", "digest", obj.Digest)
		return nil
	}
	return err
}

// CreateConversation opens a conversation between the distinct members, or
// returns the one that already exists for exactly that member set.
func (r *Repository) CreateConversation(ctx context.Context, members []string) (models.Conversation, error) {
	seen := make(map[string]struct{}, len(members))
	unique := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		unique = append(unique, m)
	}
	if len(unique) < 2 {
		return models.Conversation{}, ErrTooFewMembers
	}
	sort.Strings(unique)

	id, err := uuid.NewV7()
	if err != nil {
		return models.Conversation{}, err
	}
	conv := models.Conversation{
		ID:        id.String(),
		Members:   unique,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		return models.Conversation{}, err
	}

	// One conversation per member set: whoever claims the set key first
	// decides the id, everybody else gets that conversation back.
	setKey := memberSetKey(unique)
	err = r.kv.SetNX(setKey, string(raw))
	if tkv.IsErrKeyExists(err) {
		return r.existingConversation(ctx, setKey)
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if err := r.storeConversation(conv, string(raw)); err != nil {
		return models.Conversation{}, err
	}
	r.logger.Debug("Conversation created", "conversation", conv.ID, "members", len(unique))
	return conv, nil
}

// existingConversation returns the conversation claimed under setKey. If its
// creator has not written the record yet (or never finished), the record is
// written here; the entries are identical either way.
func (r *Repository) existingConversation(ctx context.Context, setKey string) (models.Conversation, error) {
	raw, err := r.kv.Get(setKey)
	if err != nil {
		return models.Conversation{}, err
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("decode member set %q: %w", setKey, err)
	}

	_, err = r.Conversation(ctx, conv.ID)
	if errors.Is(err, ErrNotFound) {
		err = r.storeConversation(conv, raw)
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// storeConversation writes the member index entries and the record. The
// record goes last so it never exists without its index entries.
func (r *Repository) storeConversation(conv models.Conversation, raw string) error {
	entries := make([]tkv.Entry, 0, len(conv.Members)+1)
	for _, m := range conv.Members {
		entries = append(entries, tkv.Entry{Key: memberPrefix(m) + conv.ID, Value: conv.ID})
	}
	entries = append(entries, tkv.Entry{Key: conversationKey(conv.ID), Value: raw})
	return r.kv.BatchSet(entries)
}

// Conversations lists the conversations userID takes part in, oldest first.
func (r *Repository) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	prefix := memberPrefix(userID)
	keys, err := r.kv.Iterate(prefix, 0, 0)
	if err != nil {
		return nil, err
	}

	convs := make([]models.Conversation, 0, len(keys))
	for _, key := range keys {
		conv, err := r.Conversation(ctx, strings.TrimPrefix(key, prefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (r *Repository) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	raw, err := r.kv.Get(conversationKey(id))
	if tkv.IsErrKeyNotFound(err) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return conv, nil
}

// RecordMessage persists a message authored by a member of the conversation.
// Message ids are UUIDv7 so the key order is the send order.
func (r *Repository) RecordMessage(ctx context.Context, conversationID, authorID, content string) (models.Message, models.Conversation, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, models.Conversation{}, ErrEmptyContent
	}

	conv, err := r.Conversation(ctx, conversationID)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if !conv.HasMember(authorID) {
		return models.Message{}, models.Conversation{}, ErrNotMember
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	msg := models.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if err := r.kv.Set(messagePrefix(conversationID)+msg.ID, string(raw)); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	return msg, conv, nil
}

// Messages returns up to limit messages older than before (all messages when
// before is empty), oldest first.
func (r *Repository) Messages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	keys, err := r.kv.IterateBefore(messagePrefix(conversationID), before, limit)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(keys))
	for _, key := range keys {
		raw, err := r.kv.Get(key)
		if tkv.IsErrKeyNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			r.logger.Error("Could not decode stored message", "key", key, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
