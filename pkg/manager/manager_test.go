package manager

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connexus-ai/entityrag/pkg/chunker"
	"github.com/connexus-ai/entityrag/pkg/config"
	"github.com/connexus-ai/entityrag/pkg/kvstore"
	"github.com/connexus-ai/entityrag/pkg/llm"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/rag"
	"github.com/connexus-ai/entityrag/pkg/session"
	"github.com/connexus-ai/entityrag/pkg/types"
	"github.com/connexus-ai/entityrag/pkg/workerpool"
)

type hashEmbedder struct{ dim int }

func (h *hashEmbedder) Dimension() int { return h.dim }
func (h *hashEmbedder) Model() string  { return "text-embedding-3-small" }

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, h.dim)
	for i := 0; i < h.dim; i++ {
		bits := binary.LittleEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		vec[i] = float32(bits%1000)/1000 + 0.001
		sum = sha256.Sum256(sum[:])
	}
	return vec, nil
}

func (h *hashEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// echoClient answers every turn with "echo: <last user message>" so ordering
// tests can match answers to questions.
type echoClient struct{}

func (echoClient) Model() string { return "gpt-4o" }

func (echoClient) StreamChatCompletion(_ context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	last := ""
	for _, msg := range req.Messages {
		if msg.Role == llm.RoleUser {
			last = msg.Content
		}
	}
	out := make(chan llm.StreamChunk, 3)
	out <- llm.StreamChunk{ContentDelta: "echo: " + last}
	out <- llm.StreamChunk{FinishReason: llm.FinishStop}
	out <- llm.StreamChunk{Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5}}
	close(out)
	return out, nil
}

type testEnv struct {
	mgr    *Manager
	pool   *workerpool.Pool
	agents *session.AgentCache
	locks  *session.LockRegistry
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.EnsureDirs())

	store, err := kvstore.NewStore(cfg.StorageDir())
	require.NoError(t, err)

	meter := pricing.NewMeter(nil)
	ragMgr := rag.NewManager(rag.Config{
		EntitiesDir: cfg.EntitiesDir(),
		Embedder:    &hashEmbedder{dim: 8},
		Chunker:     chunker.NewFixedSizeChunker(),
		Meter:       meter,
	})
	pool := workerpool.New(workerpool.Config{MinWorkers: 4, MaxWorkers: 4, CheckInterval: time.Hour})
	t.Cleanup(pool.Stop)

	locks := session.NewLockRegistry()
	agents := session.NewAgentCache()

	mgr := New(Deps{
		Config: cfg,
		Store:  store,
		RAG:    ragMgr,
		Pool:   pool,
		Locks:  locks,
		Agents: agents,
		Client: echoClient{},
		Meter:  meter,
	})
	return &testEnv{mgr: mgr, pool: pool, agents: agents, locks: locks, cfg: cfg}
}

func (e *testEnv) uploadAndWait(t *testing.T, entityID, name, content string) *types.Task {
	t.Helper()
	path := filepath.Join(e.cfg.UploadsDir(), fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	task, err := e.mgr.UploadFile(entityID, path, name)
	require.NoError(t, err)
	return e.waitTask(t, task.TaskID)
}

func (e *testEnv) waitTask(t *testing.T, taskID string) *types.Task {
	t.Helper()
	var task *types.Task
	require.Eventually(t, func() bool {
		got, err := e.mgr.GetTask(taskID)
		if err != nil {
			return false
		}
		task = got
		return task.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return task
}

func TestCreateEntityRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	_, err = env.mgr.CreateEntity("e1", "E1 again", "", nil)
	assert.ErrorIs(t, err, ErrDuplicateEntity)

	entities, err := env.mgr.ListEntities()
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}

func TestDedupUpload(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	first := env.uploadAndWait(t, "e1", "hello.txt", "hello world")
	require.Equal(t, types.TaskStatusCompleted, first.Status)
	assert.False(t, first.IsDuplicate)
	assert.Equal(t, 1, first.ChunksCount)

	entity, err := env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, entity.DocumentsCount)
	assert.Equal(t, 1, entity.ChunkCount)

	second := env.uploadAndWait(t, "e1", "copy.txt", "hello world")
	require.Equal(t, types.TaskStatusCompleted, second.Status)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.DocID, second.DocID)

	entity, err = env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, entity.DocumentsCount)
	assert.Equal(t, 1, entity.ChunkCount)
}

func TestCountersUnderConcurrentUploads(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	const n = 8
	taskIDs := make([]string, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("distinct file body %d with enough text to matter", i)
			path := filepath.Join(env.cfg.UploadsDir(), fmt.Sprintf("f%d.txt", i))
			if !assert.NoError(t, os.WriteFile(path, []byte(content), 0644)) {
				return
			}
			task, err := env.mgr.UploadFile("e1", path, fmt.Sprintf("f%d.txt", i))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			taskIDs[i] = task.TaskID
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	totalChunks := 0
	totalCost := 0.0
	for _, id := range taskIDs {
		task := env.waitTask(t, id)
		require.Equal(t, types.TaskStatusCompleted, task.Status, task.ErrorMessage)
		totalChunks += task.ChunksCount
		totalCost += task.EstimatedCostUSD
	}

	entity, err := env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, n, entity.DocumentsCount)
	assert.Equal(t, totalChunks, entity.ChunkCount)
	assert.InDelta(t, totalCost, entity.EstimatedCostUSD, 1e-9)
}

func TestUploadToDeletedEntityFails(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	path := filepath.Join(env.cfg.UploadsDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))
	require.NoError(t, env.mgr.DeleteEntity("e1"))

	_, err = env.mgr.UploadFile("e1", path, "f.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteEntityTombstoneLookup(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)
	require.NoError(t, env.mgr.DeleteEntity("e1"))

	_, err = env.mgr.GetEntity("e1", false)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := env.mgr.GetEntity("e1", true)
	require.NoError(t, err)
	assert.Contains(t, deleted.ID, deletedPrefix)
	assert.Equal(t, created.Name, deleted.Name)
	require.NotNil(t, deleted.DeletedAt)

	// The directory was renamed out of the way.
	_, statErr := os.Stat(created.Dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestIngestChunksSkipsExisting(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	chunks := []types.Chunk{
		{ChunkID: types.ChunkIDFor("d1", 0), DocID: "d1", ChunkOrderIndex: 0, Content: "first", Source: "ext.md", Tokens: 2},
		{ChunkID: types.ChunkIDFor("d1", 1), DocID: "d1", ChunkOrderIndex: 1, Content: "second", Source: "ext.md", Tokens: 2},
	}
	res, err := env.mgr.IngestChunks("e1", chunks)
	require.NoError(t, err)
	assert.Equal(t, types.BatchIngestResult{Total: 2, Indexed: 2, Duplicate: 0}, res)

	// Resubmitting the batch plus one new chunk only indexes the new one.
	chunks = append(chunks, types.Chunk{
		ChunkID: types.ChunkIDFor("d1", 2), DocID: "d1", ChunkOrderIndex: 2, Content: "third", Source: "ext.md", Tokens: 2,
	})
	res, err = env.mgr.IngestChunks("e1", chunks)
	require.NoError(t, err)
	assert.Equal(t, types.BatchIngestResult{Total: 3, Indexed: 1, Duplicate: 2}, res)

	entity, err := env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, 3, entity.ChunkCount)
}

func TestIngestChunksCountsDocuments(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	chunks := []types.Chunk{
		{ChunkID: types.ChunkIDFor("d1", 0), DocID: "d1", ChunkOrderIndex: 0, Content: "first", Tokens: 1},
		{ChunkID: types.ChunkIDFor("d1", 1), DocID: "d1", ChunkOrderIndex: 1, Content: "second", Tokens: 1},
		{ChunkID: types.ChunkIDFor("d2", 0), DocID: "d2", ChunkOrderIndex: 0, Content: "other doc", Tokens: 2},
	}
	_, err = env.mgr.IngestChunks("e1", chunks)
	require.NoError(t, err)

	entity, err := env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, entity.DocumentsCount)

	// Appending chunks to a known document is not a new document.
	more := []types.Chunk{
		{ChunkID: types.ChunkIDFor("d1", 2), DocID: "d1", ChunkOrderIndex: 2, Content: "third", Tokens: 1},
	}
	_, err = env.mgr.IngestChunks("e1", more)
	require.NoError(t, err)

	entity, err = env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, entity.DocumentsCount)

	// Delete both: the counter lands at zero, never below.
	require.NoError(t, env.mgr.DeleteDocument("e1", "d1"))
	require.NoError(t, env.mgr.DeleteDocument("e1", "d2"))

	entity, err = env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, 0, entity.DocumentsCount)
	assert.Equal(t, 0, entity.ChunkCount)
}

func TestLastAccessedAdvancesOnUse(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	chunks := []types.Chunk{
		{ChunkID: types.ChunkIDFor("d1", 0), DocID: "d1", ChunkOrderIndex: 0, Content: "body", Tokens: 1},
	}
	_, err = env.mgr.IngestChunks("e1", chunks)
	require.NoError(t, err)

	entity, err := env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	afterIngest := entity.LastAccessed
	assert.True(t, afterIngest.After(created.LastAccessed))

	time.Sleep(5 * time.Millisecond)
	sess, err := env.mgr.CreateChatSession("e1", "", nil)
	require.NoError(t, err)
	_, err = env.mgr.ConverseSync(context.Background(), sess.SessionID, "q")
	require.NoError(t, err)

	entity, err = env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.True(t, entity.LastAccessed.After(afterIngest))
}

func TestSessionSerialization(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)
	sess, err := env.mgr.CreateChatSession("e1", "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, q := range []string{"Q1", "Q2"} {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, err := env.mgr.ConverseSync(context.Background(), sess.SessionID, q)
			assert.NoError(t, err)
		}(q)
	}
	wg.Wait()

	history, err := env.mgr.GetSessionMessages(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 4)

	// Turns are whole: user then its matching assistant echo, never
	// interleaved.
	for i := 0; i < 4; i += 2 {
		require.Equal(t, types.RoleUser, history[i].Role)
		require.Equal(t, types.RoleAssistant, history[i+1].Role)
		assert.Equal(t, "echo: "+history[i].Content, history[i+1].Content)
	}
	assert.ElementsMatch(t, []string{"Q1", "Q2"}, []string{history[0].Content, history[2].Content})
}

func TestOffloadAndRehydrate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)
	sess, err := env.mgr.CreateChatSession("e1", "", nil)
	require.NoError(t, err)

	_, err = env.mgr.ConverseSync(context.Background(), sess.SessionID, "hi")
	require.NoError(t, err)
	_, cached := env.agents.Get(sess.SessionID)
	require.True(t, cached)

	// Simulate the sweeper evicting the idle session.
	env.agents.Remove(sess.SessionID)
	_, cached = env.agents.Get(sess.SessionID)
	require.False(t, cached)

	res, err := env.mgr.ConverseSync(context.Background(), sess.SessionID, "still there?")
	require.NoError(t, err)
	assert.Equal(t, "echo: still there?", res.Response)

	history, err := env.mgr.GetSessionMessages(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "hi", history[0].Content)
}

func TestConverseCostAccrues(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)
	sess, err := env.mgr.CreateChatSession("e1", "", nil)
	require.NoError(t, err)

	res, err := env.mgr.ConverseSync(context.Background(), sess.SessionID, "q")
	require.NoError(t, err)
	require.Greater(t, res.CostUSD, 0.0)

	got, err := env.mgr.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.InDelta(t, res.CostUSD, got.EstimatedCostUSD, 1e-9)

	entity, err := env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.InDelta(t, res.CostUSD, entity.EstimatedCostUSD, 1e-9)
	assert.Equal(t, 1, entity.SessionsCount)
}

func TestDeleteChatSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)
	sess, err := env.mgr.CreateChatSession("e1", "", nil)
	require.NoError(t, err)

	require.NoError(t, env.mgr.DeleteChatSession(sess.SessionID))
	_, err = env.mgr.GetSession(sess.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	sessions, err := env.mgr.ListSessions("e1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	entity, err := env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, 0, entity.SessionsCount)
}

func TestKnowledgeGraph(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	chunks := []types.Chunk{
		{ChunkID: types.ChunkIDFor("d1", 0), DocID: "d1", ChunkOrderIndex: 0, Content: "first", Tokens: 1},
		{ChunkID: types.ChunkIDFor("d1", 1), DocID: "d1", ChunkOrderIndex: 1, Content: "second", Tokens: 1},
		{ChunkID: types.ChunkIDFor("d2", 0), DocID: "d2", ChunkOrderIndex: 0, Content: "other doc", Tokens: 2},
	}
	_, err = env.mgr.IngestChunks("e1", chunks)
	require.NoError(t, err)

	graph, err := env.mgr.GetKnowledgeGraph([]string{"e1", "missing"})
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 3)

	// Exactly one sequential edge: d1#0 -> d1#1. Document boundaries have
	// no edges.
	require.Len(t, graph.Relationships, 1)
	edge := graph.Relationships[0]
	assert.Equal(t, types.NodeIDFor("e1", "d1", 0), edge.Source)
	assert.Equal(t, types.NodeIDFor("e1", "d1", 1), edge.Target)
	assert.Equal(t, types.RelationSequential, edge.Label)
}

func TestTaskEnrichmentWithServices(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	task := env.uploadAndWait(t, "e1", "doc.txt", "some document body")
	require.Equal(t, types.TaskStatusCompleted, task.Status)

	services := env.mgr.TaskServices(task)
	require.NotEmpty(t, services)
	assert.Equal(t, "openai", services[0]["service_type"])
}

func TestDeleteDocumentAdjustsCounters(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)

	task := env.uploadAndWait(t, "e1", "doc.txt", "some document body")
	require.Equal(t, types.TaskStatusCompleted, task.Status)

	require.NoError(t, env.mgr.DeleteDocument("e1", task.DocID))

	entity, err := env.mgr.GetEntity("e1", false)
	require.NoError(t, err)
	assert.Equal(t, 0, entity.DocumentsCount)
	assert.Equal(t, 0, entity.ChunkCount)

	err = env.mgr.DeleteDocument("e1", task.DocID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateEntity("e1", "E1", "", nil)
	require.NoError(t, err)
	env.uploadAndWait(t, "e1", "doc.txt", "stats body")

	stats := env.mgr.Stats()
	assert.Equal(t, 1, stats.Entities)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.TasksByStatus["completed"])
	assert.Equal(t, 4, stats.Workers)
}
