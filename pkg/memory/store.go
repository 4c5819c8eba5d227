// Package memory is the long-term memory layer: an embedded vector store
// holding prior answers and finished reports, plus the built-in
// search_memory and store_memory tools exposed to the agent.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/google/uuid"

	"github.com/delvd/delv/pkg/config"
)

const (
	collectionName    = "delv_memory"
	conversationsName = "delv_conversations"
)

// SearchResult is one semantic search hit.
type SearchResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ConversationMessage is one turn of a stored conversation transcript.
type ConversationMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the memory capability consumed by the workflow and the
// built-in tools.
type Store interface {
	StoreDocument(ctx context.Context, content string, metadata map[string]any) (string, error)
	SemanticSearch(ctx context.Context, query string, topK int) ([]SearchResult, error)
	StoreMessage(ctx context.Context, conversationID, role, content string) (string, error)
	ConversationHistory(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error)
}

// ChromemStore is the embedded vector store. Embeddings are computed
// locally (hash-based), so the store works with no external embedding
// service; swap the embedding func for a real model when recall quality
// matters more than hermetic operation.
type ChromemStore struct {
	db *chromem.DB

	mu    sync.Mutex
	col   *chromem.Collection
	convs *chromem.Collection
	seq   map[string]int
}

// NewChromemStore opens (or creates) the store. An empty persist path
// keeps everything in memory.
func NewChromemStore(cfg config.MemoryConfig) (*ChromemStore, error) {
	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.PersistPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			slog.Warn("Failed to open persistent vector store, falling back to in-memory",
				"path", cfg.PersistPath, "error", err)
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, localEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory collection: %w", err)
	}
	convs, err := db.GetOrCreateCollection(conversationsName, nil, localEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversations collection: %w", err)
	}
	return &ChromemStore{db: db, col: col, convs: convs, seq: make(map[string]int)}, nil
}

// StoreDocument persists one document and returns its ID.
func (s *ChromemStore) StoreDocument(ctx context.Context, content string, metadata map[string]any) (string, error) {
	if content == "" {
		return "", fmt.Errorf("content must not be empty")
	}

	strMetadata := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMetadata[k] = fmt.Sprint(v)
	}

	id := uuid.NewString()
	doc := chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: strMetadata,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return "", fmt.Errorf("failed to store document: %w", err)
	}
	return id, nil
}

// SemanticSearch returns up to topK hits by cosine similarity. topK is
// clamped to the collection size; chromem rejects over-asking.
func (s *ChromemStore) SemanticSearch(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}

	s.mu.Lock()
	count := s.col.Count()
	s.mu.Unlock()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := s.col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

// StoreMessage appends one message to a conversation transcript and
// returns its ID. Sequence counters are process-local; transcripts are
// scoped to the lifetime of the runs that produce them.
func (s *ChromemStore) StoreMessage(ctx context.Context, conversationID, role, content string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversation id must not be empty")
	}
	if role == "" {
		return "", fmt.Errorf("role must not be empty")
	}
	if content == "" {
		return "", fmt.Errorf("content must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	doc := chromem.Document{
		ID:      id,
		Content: content,
		Metadata: map[string]string{
			"conversation_id": conversationID,
			"role":            role,
			"seq":             strconv.Itoa(s.seq[conversationID]),
			"created_at":      time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := s.convs.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	s.seq[conversationID]++
	return id, nil
}

// ConversationHistory returns the conversation's messages in the order
// they were stored. A positive limit keeps only the most recent messages.
func (s *ChromemStore) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id must not be empty")
	}

	s.mu.Lock()
	count := s.seq[conversationID]
	s.mu.Unlock()
	if count == 0 {
		return nil, nil
	}

	// nResults must equal the number of matching documents; similarity
	// ranking is irrelevant because messages are re-sorted by sequence.
	results, err := s.convs.Query(ctx, conversationID, count,
		map[string]string{"conversation_id": conversationID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	type sequenced struct {
		seq int
		msg ConversationMessage
	}
	ordered := make([]sequenced, 0, len(results))
	for _, r := range results {
		seq, err := strconv.Atoi(r.Metadata["seq"])
		if err != nil {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		ordered = append(ordered, sequenced{
			seq: seq,
			msg: ConversationMessage{
				ID:        r.ID,
				Role:      r.Metadata["role"],
				Content:   r.Content,
				CreatedAt: created,
			},
		})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	msgs := make([]ConversationMessage, 0, len(ordered))
	for _, o := range ordered {
		msgs = append(msgs, o.msg)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}
