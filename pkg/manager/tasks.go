package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/entityrag/pkg/events"
	"github.com/connexus-ai/entityrag/pkg/kvstore"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/metrics"
	"github.com/connexus-ai/entityrag/pkg/types"
)

// uploadTimeout bounds one upload's ingest work.
const uploadTimeout = 5 * time.Minute

func (m *Manager) saveTask(task *types.Task) error {
	doc, err := kvstore.ToDoc(task)
	if err != nil {
		return err
	}
	if _, err := m.store.UpdateOne(collTasks, kvstore.Query{"task_id": task.TaskID}, kvstore.Update{Set: doc}, true); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", task.TaskID, err)
	}
	return nil
}

// UploadFile creates a pending upload task and hands the ingest to the
// worker pool. The task always reaches a terminal status.
func (m *Manager) UploadFile(entityID, filePath, fileName string) (*types.Task, error) {
	entity, err := m.GetEntity(entityID, false)
	if err != nil {
		return nil, err
	}

	task := &types.Task{
		TaskID:    uuid.NewString(),
		TaskType:  types.TaskTypeUpload,
		Status:    types.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
		EntityID:  entity.ID,
		FileName:  fileName,
	}
	if err := m.saveTask(task); err != nil {
		return nil, err
	}
	metrics.UploadsTotal.Inc()
	m.publish(events.EventTaskCreated, fmt.Sprintf("upload task %s created", task.TaskID), map[string]string{
		"task_id":   task.TaskID,
		"entity_id": entity.ID,
	})

	taskID := task.TaskID
	if _, err := m.pool.Submit(func() (any, error) {
		m.runUpload(taskID, entityID, filePath, fileName)
		return nil, nil
	}); err != nil {
		task.Status = types.TaskStatusFailed
		task.ErrorMessage = err.Error()
		now := time.Now().UTC()
		task.CompletedAt = &now
		_ = m.saveTask(task)
		return nil, fmt.Errorf("failed to submit upload task: %w", err)
	}
	return task, nil
}

// runUpload is the pool worker body. Every exit path writes a terminal task
// status.
func (m *Manager) runUpload(taskID, entityID, filePath, fileName string) {
	logger := log.WithTaskID(taskID)

	task, err := m.GetTask(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("upload task record missing")
		return
	}
	now := time.Now().UTC()
	task.Status = types.TaskStatusProcessing
	task.ProcessingStartedAt = &now
	if err := m.saveTask(task); err != nil {
		logger.Error().Err(err).Msg("failed to mark task processing")
	}

	var result types.IngestResult
	var failure error
	defer func() {
		done := time.Now().UTC()
		task.CompletedAt = &done
		if failure != nil {
			task.Status = types.TaskStatusFailed
			task.ErrorMessage = failure.Error()
			m.publish(events.EventTaskFailed, fmt.Sprintf("upload task %s failed", taskID), map[string]string{"task_id": taskID})
			logger.Error().Err(failure).Msg("upload failed")
		} else {
			task.Status = types.TaskStatusCompleted
			task.DocID = result.DocID
			task.ChunksCount = result.ChunksCount
			task.IsDuplicate = result.IsDuplicate
			task.EstimatedCostUSD = result.EstimatedCostUSD
			m.publish(events.EventTaskCompleted, fmt.Sprintf("upload task %s completed", taskID), map[string]string{"task_id": taskID})
		}
		if err := m.saveTask(task); err != nil {
			logger.Error().Err(err).Msg("failed to persist terminal task status")
		}
		_ = os.Remove(filePath)
	}()

	// Re-read the entity: it may have been deleted while the task queued.
	entity, err := m.GetEntity(entityID, false)
	if err != nil {
		failure = fmt.Errorf("%w: %v", ErrEntityDeleted, err)
		return
	}
	if _, err := os.Stat(entity.Dir); err != nil {
		failure = fmt.Errorf("%w: entity directory missing", ErrEntityDeleted)
		return
	}

	store, err := m.rag.GetEntityStore(entity.ID, entity.Dir)
	if err != nil {
		failure = err
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	result, err = store.AddDocument(ctx, filePath, map[string]any{"file_name": fileName})
	if err != nil {
		failure = err
		return
	}

	if result.IsDuplicate {
		metrics.DuplicateUploadsTotal.Inc()
		return
	}

	if _, err := m.store.UpdateOne(collEntities, kvstore.Query{"id": entity.ID}, kvstore.Update{
		Set: map[string]any{"last_accessed": time.Now().UTC().Format(time.RFC3339Nano)},
		Inc: map[string]float64{
			"documents_count":    1,
			"chunk_count":        float64(result.ChunksCount),
			"estimated_cost_usd": result.EstimatedCostUSD,
		},
	}, false); err != nil {
		logger.Error().Err(err).Msg("failed to bump entity counters")
	}
	m.recordDocumentServices(entity, result)
	m.publish(events.EventDocumentAdded, fmt.Sprintf("document %s added", result.DocID), map[string]string{
		"entity_id": entity.ID,
		"doc_id":    result.DocID,
	})
}

// recordDocumentServices writes the embedding Service line-item onto the
// document record, so task reads can report services_used.
func (m *Manager) recordDocumentServices(entity *types.Entity, result types.IngestResult) {
	store, err := kvstore.NewStore(entityStoragePath(entity.Dir))
	if err != nil {
		return
	}
	service := map[string]any{
		"service_type":       "openai",
		"breakdown":          map[string]any{"operation": "embedding", "doc_id": result.DocID},
		"estimated_cost_usd": result.EstimatedCostUSD,
	}
	_, _ = store.UpdateOne("documents", kvstore.Query{"doc_id": result.DocID}, kvstore.Update{
		Set: map[string]any{"services_used": []any{service}},
	}, false)
}

func entityStoragePath(entityDir string) string {
	return filepath.Join(entityDir, "storage")
}

// IngestChunks indexes pre-chunked content synchronously. Chunks whose
// chunk_id already exists are skipped.
func (m *Manager) IngestChunks(entityID string, chunks []types.Chunk) (types.BatchIngestResult, error) {
	result := types.BatchIngestResult{Total: len(chunks)}
	if len(chunks) == 0 {
		return result, nil
	}

	store, entity, err := m.entityStore(entityID)
	if err != nil {
		return result, err
	}

	existingDocs := make(map[string]bool)
	if docs, err := store.GetEntityDocuments(); err == nil {
		for _, d := range docs {
			existingDocs[d.DocID] = true
		}
	}

	byDoc := make(map[string][]types.Chunk)
	for _, c := range chunks {
		if c.ChunkID == "" || c.DocID == "" || c.Content == "" {
			return result, fmt.Errorf("%w: chunk_id, doc_id, and content are required", ErrValidation)
		}
		exists, err := store.HasChunk(c.ChunkID)
		if err != nil {
			return result, err
		}
		if exists {
			result.Duplicate++
			continue
		}
		c.EntityID = entityID
		byDoc[c.DocID] = append(byDoc[c.DocID], c)
	}

	var totalCost float64
	var newDocs int
	for docID, docChunks := range byDoc {
		cost, err := store.AddChunksBatch(context.Background(), docChunks, docID)
		if err != nil {
			return result, err
		}
		totalCost += cost
		result.Indexed += len(docChunks)
		if !existingDocs[docID] {
			newDocs++
		}
	}

	if result.Indexed > 0 {
		if _, err := m.store.UpdateOne(collEntities, kvstore.Query{"id": entity.ID}, kvstore.Update{
			Set: map[string]any{"last_accessed": time.Now().UTC().Format(time.RFC3339Nano)},
			Inc: map[string]float64{
				"documents_count":    float64(newDocs),
				"chunk_count":        float64(result.Indexed),
				"estimated_cost_usd": totalCost,
			},
		}, false); err != nil {
			logger := log.WithEntityID(entity.ID)
			logger.Error().Err(err).Msg("failed to bump entity counters")
		}
	}
	return result, nil
}

// GetTask returns a task by id, enriched with the document's services_used
// when the task produced a document.
func (m *Manager) GetTask(taskID string) (*types.Task, error) {
	doc, err := m.store.FindOne(collTasks, kvstore.Query{"task_id": taskID})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	var task types.Task
	if err := kvstore.DecodeDoc(doc, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TaskServices returns the services_used recorded on the task's document.
func (m *Manager) TaskServices(task *types.Task) []types.ServiceDict {
	if task.DocID == "" || task.EntityID == "" {
		return nil
	}
	entity, err := m.GetEntity(task.EntityID, false)
	if err != nil {
		return nil
	}
	store, err := kvstore.NewStore(entityStoragePath(entity.Dir))
	if err != nil {
		return nil
	}
	doc, err := store.FindOne("documents", kvstore.Query{"doc_id": task.DocID})
	if err != nil || doc == nil {
		return nil
	}
	raw, ok := doc["services_used"].([]any)
	if !ok {
		return nil
	}
	out := make([]types.ServiceDict, 0, len(raw))
	for _, item := range raw {
		if d, ok := item.(map[string]any); ok {
			out = append(out, d)
		}
	}
	return out
}

// ListTasks returns tasks, optionally filtered by entity.
func (m *Manager) ListTasks(entityID string) ([]types.Task, error) {
	query := kvstore.Query{}
	if entityID != "" {
		query["entity_id"] = entityID
	}
	docs, err := m.store.Find(collTasks, query, nil)
	if err != nil {
		return nil, err
	}
	out := make([]types.Task, 0, len(docs))
	for _, d := range docs {
		var t types.Task
		if err := kvstore.DecodeDoc(d, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ListEntityFiles lists the entity's indexed documents.
func (m *Manager) ListEntityFiles(entityID string) ([]types.Document, error) {
	store, _, err := m.entityStore(entityID)
	if err != nil {
		return nil, err
	}
	return store.GetEntityDocuments()
}

// DeleteDocument removes a document from an entity and decrements its
// counters.
func (m *Manager) DeleteDocument(entityID, docID string) error {
	store, entity, err := m.entityStore(entityID)
	if err != nil {
		return err
	}

	chunks, err := store.GetDocumentChunksInOrder(docID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}

	if err := store.DeleteDocument(docID); err != nil {
		return err
	}

	if _, err := m.store.UpdateOne(collEntities, kvstore.Query{"id": entity.ID}, kvstore.Update{
		Inc: map[string]float64{
			"documents_count": -1,
			"chunk_count":     -float64(len(chunks)),
		},
	}, false); err != nil {
		logger := log.WithEntityID(entity.ID)
		logger.Error().Err(err).Msg("failed to bump entity counters")
	}
	m.publish(events.EventDocumentDeleted, fmt.Sprintf("document %s deleted", docID), map[string]string{
		"entity_id": entity.ID,
		"doc_id":    docID,
	})
	return nil
}
