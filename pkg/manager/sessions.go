package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/entityrag/pkg/agent"
	"github.com/connexus-ai/entityrag/pkg/events"
	"github.com/connexus-ai/entityrag/pkg/kvstore"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/metrics"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/types"
)

// CreateChatSession opens a session on an entity. The record lands in the
// global sessions collection and the entity's sidecar collection.
func (m *Manager) CreateChatSession(entityID, name string, metadata map[string]any) (*types.Session, error) {
	entity, err := m.GetEntity(entityID, false)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := types.Session{
		SessionID:           uuid.NewString(),
		EntityID:            entity.ID,
		EntityName:          entity.Name,
		EntityDir:           entity.Dir,
		CreatedAt:           now,
		LastAccessed:        now,
		Metadata:            metadata,
		ConversationHistory: []types.Message{},
	}
	if name != "" {
		if sess.Metadata == nil {
			sess.Metadata = map[string]any{}
		}
		sess.Metadata["name"] = name
	}

	doc, err := kvstore.ToDoc(sess)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.UpdateOne(collSessions, kvstore.Query{"session_id": sess.SessionID}, kvstore.Update{Set: doc}, true); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	// Sidecar copy inside the entity directory.
	if sidecar, err := kvstore.NewStore(entityStoragePath(entity.Dir)); err == nil {
		_, _ = sidecar.UpdateOne("sessions", kvstore.Query{"session_id": sess.SessionID}, kvstore.Update{Set: doc}, true)
	}

	if _, err := m.store.UpdateOne(collEntities, kvstore.Query{"id": entity.ID}, kvstore.Update{
		Set: map[string]any{"last_accessed": now.Format(time.RFC3339Nano)},
		Inc: map[string]float64{"sessions_count": 1},
	}, false); err != nil {
		logger := log.WithEntityID(entity.ID)
		logger.Error().Err(err).Msg("failed to bump sessions_count")
	}

	m.publish(events.EventSessionCreated, fmt.Sprintf("session %s created", sess.SessionID), map[string]string{
		"entity_id":  entity.ID,
		"session_id": sess.SessionID,
	})
	return &sess, nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(sessionID string) (*types.Session, error) {
	doc, err := m.store.FindOne(collSessions, kvstore.Query{"session_id": sessionID})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	var sess types.Session
	if err := kvstore.DecodeDoc(doc, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions lists an entity's live sessions.
func (m *Manager) ListSessions(entityID string) ([]types.Session, error) {
	docs, err := m.store.Find(collSessions, kvstore.Query{"entity_id": entityID}, nil)
	if err != nil {
		return nil, err
	}
	out := make([]types.Session, 0, len(docs))
	for _, d := range docs {
		var s types.Session
		if err := kvstore.DecodeDoc(d, &s); err != nil {
			continue
		}
		if strings.HasPrefix(s.SessionID, deletedPrefix) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// GetSessionMessages returns a session's persisted conversation history.
func (m *Manager) GetSessionMessages(sessionID string) ([]types.Message, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.ConversationHistory, nil
}

// DeleteChatSession evicts the session's agent and lock and tombstones the
// record.
func (m *Manager) DeleteChatSession(sessionID string) error {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	m.agents.Remove(sessionID)
	m.locks.Remove(sessionID)

	if _, err := m.store.DeleteOne(collSessions, kvstore.Query{"session_id": sessionID}); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	tombstoneID := fmt.Sprintf("%s%s_%s", deletedPrefix, sessionID, dirTimestamp(time.Now()))
	doc, err := kvstore.ToDoc(sess)
	if err == nil {
		doc["session_id"] = tombstoneID
		_, _ = m.store.UpdateOne(collSessions, kvstore.Query{"session_id": tombstoneID}, kvstore.Update{Set: doc}, true)
	}

	if _, err := m.store.UpdateOne(collEntities, kvstore.Query{"id": sess.EntityID}, kvstore.Update{
		Inc: map[string]float64{"sessions_count": -1},
	}, false); err != nil {
		logger := log.WithEntityID(sess.EntityID)
		logger.Error().Err(err).Msg("failed to bump sessions_count")
	}

	m.publish(events.EventSessionDeleted, fmt.Sprintf("session %s deleted", sessionID), map[string]string{
		"entity_id":  sess.EntityID,
		"session_id": sessionID,
	})
	return nil
}

// ChatResult is the non-streaming summary of one conversation turn.
type ChatResult struct {
	TaskID          string              `json:"task_id"`
	SessionID       string              `json:"session_id"`
	Response        string              `json:"response"`
	NodeIDs         []string            `json:"node_ids,omitempty"`
	RelationshipIDs []string            `json:"relationship_ids,omitempty"`
	CitedNodeIDs    []string            `json:"cited_node_ids,omitempty"`
	Citations       []agent.Citation    `json:"citations,omitempty"`
	ServicesUsed    []types.ServiceDict `json:"services_used,omitempty"`
	CostUSD         float64             `json:"estimated_cost_usd"`
}

// Converse runs one conversation turn. The returned channel relays the
// agent's events; persistence happens on the terminal event, under the
// session lock for the whole append-stream-persist span.
func (m *Manager) Converse(ctx context.Context, sessionID, userMessage string) (<-chan agent.ResponseEvent, *types.Task, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}

	lock := m.locks.Get(sessionID)
	lock.Lock()

	// Re-read under the lock; a previous turn may have grown the history.
	sess, err = m.GetSession(sessionID)
	if err != nil {
		lock.Unlock()
		return nil, nil, err
	}

	task := &types.Task{
		TaskID:    uuid.NewString(),
		TaskType:  types.TaskTypeChat,
		Status:    types.TaskStatusProcessing,
		CreatedAt: time.Now().UTC(),
		EntityID:  sess.EntityID,
		SessionID: sessionID,
	}
	if err := m.saveTask(task); err != nil {
		lock.Unlock()
		return nil, nil, err
	}

	ag, err := m.sessionAgent(sess)
	if err != nil {
		lock.Unlock()
		m.failTask(task, err)
		return nil, nil, err
	}

	userMsg := types.Message{
		Role:      types.RoleUser,
		Content:   userMessage,
		Timestamp: time.Now().UTC(),
		TaskID:    task.TaskID,
	}
	sess.ConversationHistory = append(sess.ConversationHistory, userMsg)

	stream := ag.Converse(ctx, userMessage)
	out := make(chan agent.ResponseEvent, 32)
	go func() {
		defer close(out)
		defer lock.Unlock()
		for ev := range stream {
			if ev.Kind == agent.EventTerminal {
				m.persistTurn(sess, task, ev)
			}
			out <- ev
		}
	}()
	return out, task, nil
}

// ConverseSync drains a turn and returns its terminal summary.
func (m *Manager) ConverseSync(ctx context.Context, sessionID, userMessage string) (*ChatResult, error) {
	stream, task, err := m.Converse(ctx, sessionID, userMessage)
	if err != nil {
		return nil, err
	}
	var terminal agent.ResponseEvent
	for ev := range stream {
		if ev.Kind == agent.EventTerminal {
			terminal = ev
		}
	}
	return &ChatResult{
		TaskID:          task.TaskID,
		SessionID:       sessionID,
		Response:        terminal.Content,
		NodeIDs:         terminal.NodeIDs,
		RelationshipIDs: terminal.RelationshipIDs,
		CitedNodeIDs:    terminal.CitedNodeIDs,
		Citations:       terminal.Citations,
		ServicesUsed:    serviceDicts(terminal.Services),
		CostUSD:         terminal.CostUSD,
	}, nil
}

// sessionAgent returns the session's cached agent, rebuilding it from the
// persisted history when the sweeper offloaded it.
func (m *Manager) sessionAgent(sess *types.Session) (*agent.ResearchAgent, error) {
	if cached, ok := m.agents.Get(sess.SessionID); ok {
		if ag, ok := cached.(*agent.ResearchAgent); ok {
			return ag, nil
		}
	}

	store, err := m.rag.GetEntityStore(sess.EntityID, sess.EntityDir)
	if err != nil {
		return nil, err
	}
	ag := agent.New(agent.Config{
		EntityID:    sess.EntityID,
		EntityName:  sess.EntityName,
		Store:       store,
		Client:      m.client,
		Meter:       m.meter,
		Model:       m.cfg.GPTModel,
		Temperature: m.cfg.Temperature,
	})
	ag.SeedHistory(sess.ConversationHistory)
	m.agents.Put(sess.SessionID, ag)
	logger := log.WithSessionID(sess.SessionID)
	logger.Debug().Int("history", len(sess.ConversationHistory)).Msg("session agent rebuilt")
	return ag, nil
}

func serviceDicts(services []pricing.Service) []types.ServiceDict {
	out := make([]types.ServiceDict, 0, len(services))
	for _, s := range services {
		out = append(out, s.ToDict())
	}
	return out
}

// persistTurn appends the assistant message, persists the history, and bumps
// cost counters. Called with the session lock held.
func (m *Manager) persistTurn(sess *types.Session, task *types.Task, terminal agent.ResponseEvent) {
	logger := log.WithSessionID(sess.SessionID)
	now := time.Now().UTC()

	assistant := types.Message{
		Role:             types.RoleAssistant,
		Content:          terminal.Content,
		Timestamp:        now,
		TaskID:           task.TaskID,
		NodeIDs:          terminal.NodeIDs,
		RelationshipIDs:  terminal.RelationshipIDs,
		CitedNodeIDs:     terminal.CitedNodeIDs,
		ServicesUsed:     serviceDicts(terminal.Services),
		EstimatedCostUSD: terminal.CostUSD,
	}
	sess.ConversationHistory = append(sess.ConversationHistory, assistant)

	historyDoc, err := kvstore.ToDoc(sess)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode session")
		return
	}
	if _, err := m.store.UpdateOne(collSessions, kvstore.Query{"session_id": sess.SessionID}, kvstore.Update{
		Set: map[string]any{
			"conversation_history": historyDoc["conversation_history"],
			"last_accessed":        now.Format(time.RFC3339Nano),
			"message_count":        len(sess.ConversationHistory),
		},
		Inc: map[string]float64{"estimated_cost_usd": terminal.CostUSD},
	}, false); err != nil {
		logger.Error().Err(err).Msg("failed to persist conversation history")
	}

	if _, err := m.store.UpdateOne(collEntities, kvstore.Query{"id": sess.EntityID}, kvstore.Update{
		Set: map[string]any{"last_accessed": now.Format(time.RFC3339Nano)},
		Inc: map[string]float64{"estimated_cost_usd": terminal.CostUSD},
	}, false); err != nil {
		logger.Error().Err(err).Msg("failed to bump entity cost")
	}

	task.Status = types.TaskStatusCompleted
	task.CompletedAt = &now
	task.EstimatedCostUSD = terminal.CostUSD
	if err := m.saveTask(task); err != nil {
		logger.Error().Err(err).Msg("failed to persist chat task")
	}
	metrics.ChatTurnsTotal.Inc()
	m.publish(events.EventTaskCompleted, fmt.Sprintf("chat task %s completed", task.TaskID), map[string]string{
		"task_id":    task.TaskID,
		"session_id": sess.SessionID,
	})
}

func (m *Manager) failTask(task *types.Task, failure error) {
	now := time.Now().UTC()
	task.Status = types.TaskStatusFailed
	task.ErrorMessage = failure.Error()
	task.CompletedAt = &now
	_ = m.saveTask(task)
}
