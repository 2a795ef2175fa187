package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/connexus-ai/entityrag/pkg/config"
	"github.com/connexus-ai/entityrag/pkg/events"
	"github.com/connexus-ai/entityrag/pkg/kvstore"
	"github.com/connexus-ai/entityrag/pkg/llm"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/metrics"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/rag"
	"github.com/connexus-ai/entityrag/pkg/session"
	"github.com/connexus-ai/entityrag/pkg/types"
	"github.com/connexus-ai/entityrag/pkg/vectorstore"
	"github.com/connexus-ai/entityrag/pkg/workerpool"
)

// Global KV collections.
const (
	collEntities = "entities"
	collSessions = "sessions"
	collTasks    = "tasks"
)

const deletedPrefix = "[DELETED]"

// Sentinel errors surfaced to the API layer.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateEntity = errors.New("entity already exists")
	ErrEntityDeleted   = errors.New("entity is deleted")
	ErrValidation      = errors.New("validation failed")
)

// Manager orchestrates entities, uploads, sessions, and conversations. One
// instance per process.
type Manager struct {
	cfg    *config.Config
	store  *kvstore.Store
	rag    *rag.Manager
	pool   *workerpool.Pool
	locks  *session.LockRegistry
	agents *session.AgentCache
	broker *events.Broker
	client llm.Client
	meter  *pricing.Meter

	// Serializes entity create/delete so concurrent calls never race on
	// the existence check and directory rename.
	entityLock sync.Mutex
}

// Deps carries the manager's collaborators.
type Deps struct {
	Config *config.Config
	Store  *kvstore.Store
	RAG    *rag.Manager
	Pool   *workerpool.Pool
	Locks  *session.LockRegistry
	Agents *session.AgentCache
	Broker *events.Broker
	Client llm.Client
	Meter  *pricing.Meter
}

// New builds a Manager.
func New(deps Deps) *Manager {
	return &Manager{
		cfg:    deps.Config,
		store:  deps.Store,
		rag:    deps.RAG,
		pool:   deps.Pool,
		locks:  deps.Locks,
		agents: deps.Agents,
		broker: deps.Broker,
		client: deps.Client,
		meter:  deps.Meter,
	}
}

func dirTimestamp(t time.Time) string {
	return strings.ReplaceAll(t.UTC().Format(time.RFC3339), ":", "-")
}

// CreateEntity registers a new entity and creates its directory. Duplicate
// ids are rejected.
func (m *Manager) CreateEntity(id, name, description string, metadata map[string]any) (*types.Entity, error) {
	if id == "" || name == "" {
		return nil, fmt.Errorf("%w: entity id and name are required", ErrValidation)
	}

	m.entityLock.Lock()
	defer m.entityLock.Unlock()

	existing, err := m.store.FindOne(collEntities, kvstore.Query{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to check entity existence: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEntity, id)
	}

	now := time.Now().UTC()
	dir := filepath.Join(m.cfg.EntitiesDir(), fmt.Sprintf("%s_%s", id, dirTimestamp(now)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create entity directory: %w", err)
	}

	entity := types.Entity{
		ID:           id,
		Name:         name,
		Dir:          dir,
		CreatedAt:    now,
		LastAccessed: now,
		Description:  description,
		Metadata:     metadata,
	}
	doc, err := kvstore.ToDoc(entity)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.UpdateOne(collEntities, kvstore.Query{"id": id}, kvstore.Update{Set: doc}, true); err != nil {
		return nil, fmt.Errorf("failed to persist entity: %w", err)
	}

	m.publish(events.EventEntityCreated, fmt.Sprintf("entity %s created", id), map[string]string{"entity_id": id})
	logger := log.WithEntityID(id)
	logger.Info().Str("dir", dir).Msg("entity created")
	return &entity, nil
}

// GetEntity looks an entity up by id. With includeDeleted, a miss falls back
// to the most recently deleted variant.
func (m *Manager) GetEntity(id string, includeDeleted bool) (*types.Entity, error) {
	doc, err := m.store.FindOne(collEntities, kvstore.Query{"id": id})
	if err != nil {
		return nil, err
	}
	if doc == nil && includeDeleted {
		pattern := "^" + regexp.QuoteMeta(deletedPrefix+id) + "_"
		docs, err := m.store.Find(collEntities, kvstore.Query{"id": kvstore.Query{"$regex": pattern}}, nil)
		if err != nil {
			return nil, err
		}
		var latest kvstore.Doc
		var latestAt time.Time
		for _, d := range docs {
			var e types.Entity
			if err := kvstore.DecodeDoc(d, &e); err != nil {
				continue
			}
			if e.DeletedAt != nil && (latest == nil || e.DeletedAt.After(latestAt)) {
				latest = d
				latestAt = *e.DeletedAt
			}
		}
		doc = latest
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	var entity types.Entity
	if err := kvstore.DecodeDoc(doc, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// ListEntities returns all live entities.
func (m *Manager) ListEntities() ([]types.Entity, error) {
	docs, err := m.store.Find(collEntities, kvstore.Query{}, nil)
	if err != nil {
		return nil, err
	}
	out := make([]types.Entity, 0, len(docs))
	for _, d := range docs {
		var e types.Entity
		if err := kvstore.DecodeDoc(d, &e); err != nil {
			continue
		}
		if strings.HasPrefix(e.ID, deletedPrefix) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteEntity tombstones the entity record, renames its directory, and
// cascade-deletes its sessions.
func (m *Manager) DeleteEntity(id string) error {
	m.entityLock.Lock()
	doc, err := m.store.FindOne(collEntities, kvstore.Query{"id": id})
	if err != nil {
		m.entityLock.Unlock()
		return err
	}
	if doc == nil {
		m.entityLock.Unlock()
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}

	now := time.Now().UTC()
	tombstoneID := fmt.Sprintf("%s%s_%s", deletedPrefix, id, dirTimestamp(now))

	if _, err := m.store.DeleteOne(collEntities, kvstore.Query{"id": id}); err != nil {
		m.entityLock.Unlock()
		return fmt.Errorf("failed to delete entity record: %w", err)
	}
	doc["id"] = tombstoneID
	doc["deleted_at"] = now.Format(time.RFC3339Nano)
	if _, err := m.store.UpdateOne(collEntities, kvstore.Query{"id": tombstoneID}, kvstore.Update{Set: doc}, true); err != nil {
		m.entityLock.Unlock()
		return fmt.Errorf("failed to persist entity tombstone: %w", err)
	}

	// Rename the directory; failures are logged and swallowed so a stuck
	// filesystem never blocks the logical delete.
	if dir, ok := doc["dir"].(string); ok && dir != "" {
		newDir := filepath.Join(filepath.Dir(dir), deletedPrefix+filepath.Base(dir))
		if err := os.Rename(dir, newDir); err != nil {
			logger := log.WithEntityID(id)
			logger.Warn().Err(err).Msg("failed to rename entity directory")
		}
	}
	m.entityLock.Unlock()

	// Cascade outside the lock: sessions and the loaded store.
	sessions, err := m.store.Find(collSessions, kvstore.Query{"entity_id": id}, nil)
	if err == nil {
		for _, s := range sessions {
			if sid, ok := s["session_id"].(string); ok {
				m.agents.Remove(sid)
				m.locks.Remove(sid)
				_, _ = m.store.DeleteOne(collSessions, kvstore.Query{"session_id": sid})
			}
		}
	}
	m.rag.CleanupEntity(id)

	m.publish(events.EventEntityDeleted, fmt.Sprintf("entity %s deleted", id), map[string]string{"entity_id": id})
	return nil
}

// entityStore returns the vector store for a live entity.
func (m *Manager) entityStore(entityID string) (*vectorstore.EntityVectorStore, *types.Entity, error) {
	entity, err := m.GetEntity(entityID, false)
	if err != nil {
		return nil, nil, err
	}
	store, err := m.rag.GetEntityStore(entity.ID, entity.Dir)
	if err != nil {
		return nil, nil, err
	}
	return store, entity, nil
}

func (m *Manager) publish(kind events.EventType, msg string, meta map[string]string) {
	if m.broker != nil {
		m.broker.Publish(events.New(kind, msg, meta))
	}
}

// EventBroker exposes the broker so transports can stream lifecycle events.
// Nil when the manager was built without one.
func (m *Manager) EventBroker() *events.Broker {
	return m.broker
}

// Stats snapshots corpus state for the metrics collector.
func (m *Manager) Stats() metrics.Stats {
	stats := metrics.Stats{TasksByStatus: map[string]int{}}

	entities, err := m.ListEntities()
	if err == nil {
		stats.Entities = len(entities)
		for _, e := range entities {
			stats.Documents += e.DocumentsCount
			stats.Chunks += e.ChunkCount
			stats.Sessions += e.SessionsCount
			stats.EstimatedCostUSD += e.EstimatedCostUSD
		}
	}

	groups, err := m.store.Aggregate(collTasks, []map[string]any{
		{"$group": map[string]any{"_id": "$status", "count": map[string]any{"$sum": 1}}},
	})
	if err == nil {
		for _, g := range groups {
			status, _ := g["_id"].(string)
			if count, ok := g["count"].(float64); ok && status != "" {
				stats.TasksByStatus[status] = int(count)
			}
		}
	}

	if m.pool != nil {
		stats.Workers = m.pool.Workers()
		stats.QueueDepth = m.pool.QueueLen()
	}
	return stats
}
