package kvstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connexus-ai/entityrag/pkg/metrics"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestUpsertAndFindOne(t *testing.T) {
	s := newTestStore(t)

	res, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{
		Set:         map[string]any{"name": "Acme"},
		SetOnInsert: map[string]any{"documents_count": 0},
	}, true)
	require.NoError(t, err)
	assert.True(t, res.Upserted)

	doc, err := s.FindOne("entities", Query{"id": "e1"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Acme", doc["name"])
	assert.Equal(t, float64(0), mustGet(doc, "documents_count"))
}

func TestUpdateOneModifiesFirstMatchOnly(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"t1", "t2"} {
		_, err := s.UpdateOne("tasks", Query{"task_id": id}, Update{Set: map[string]any{"status": "pending"}}, true)
		require.NoError(t, err)
	}

	res, err := s.UpdateOne("tasks", Query{"status": "pending"}, Update{Set: map[string]any{"status": "processing"}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Modified)

	docs, err := s.Find("tasks", Query{"status": "pending"}, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestUpdateManyAndDelete(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.UpdateOne("docs", Query{"doc_id": id}, Update{Set: map[string]any{"kind": "x"}}, true)
		require.NoError(t, err)
	}

	res, err := s.UpdateMany("docs", Query{"kind": "x"}, Update{Set: map[string]any{"kind": "y"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Modified)

	del, err := s.DeleteMany("docs", Query{"kind": "y"})
	require.NoError(t, err)
	assert.Equal(t, 3, del.Deleted)

	docs, err := s.Find("docs", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIncCreatesAndAccumulates(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{Inc: map[string]float64{"chunk_count": 3}}, true)
	require.NoError(t, err)
	_, err = s.UpdateOne("entities", Query{"id": "e1"}, Update{Inc: map[string]float64{"chunk_count": 2}}, false)
	require.NoError(t, err)

	doc, err := s.FindOne("entities", Query{"id": "e1"})
	require.NoError(t, err)
	assert.Equal(t, float64(5), doc["chunk_count"])
}

func TestAddToSetDedupes(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 2; i++ {
		_, err := s.UpdateOne("documents", Query{"doc_id": "d1"}, Update{AddToSet: map[string]any{"entity_ids": "e1"}}, true)
		require.NoError(t, err)
	}
	_, err := s.UpdateOne("documents", Query{"doc_id": "d1"}, Update{AddToSet: map[string]any{"entity_ids": "e2"}}, false)
	require.NoError(t, err)

	doc, err := s.FindOne("documents", Query{"doc_id": "d1"})
	require.NoError(t, err)
	assert.Equal(t, []any{"e1", "e2"}, doc["entity_ids"])
}

func TestUnset(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{Set: map[string]any{"description": "old"}}, true)
	require.NoError(t, err)

	res, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{Unset: []string{"description"}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified)

	doc, err := s.FindOne("entities", Query{"id": "e1"})
	require.NoError(t, err)
	_, ok := doc["description"]
	assert.False(t, ok)
}

func TestProjection(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{Set: map[string]any{"name": "Acme", "chunk_count": 4}}, true)
	require.NoError(t, err)

	docs, err := s.Find("entities", nil, []string{"name"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, Doc{"name": "Acme"}, docs[0])
}

func TestConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{Set: map[string]any{"chunk_count": 0}}, true)
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{Inc: map[string]float64{"chunk_count": 1}}, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := s.FindOne("entities", Query{"id": "e1"})
	require.NoError(t, err)
	assert.Equal(t, float64(writers), doc["chunk_count"])
}

func TestCorruptFileReadsEmpty(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.Root(), "entities.json")
	require.NoError(t, os.WriteFile(path, []byte("{ truncated"), 0644))

	docs, err := s.Find("entities", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{Inc: map[string]float64{"n": 1}}, true)
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "entities.json", e.Name())
	}
}

func TestShardedCollection(t *testing.T) {
	s := newTestStore(t, Sharded("chunks"))

	for _, entity := range []string{"e1", "e2"} {
		_, err := s.UpdateOne("chunks",
			Query{"chunk_id": "chunk_" + entity, "entity_id": entity},
			Update{Set: map[string]any{"content": "text for " + entity}}, true)
		require.NoError(t, err)
	}

	// Each entity landed in its own shard file.
	for _, entity := range []string{"e1", "e2"} {
		_, err := os.Stat(filepath.Join(s.Root(), "chunks", entity+".json"))
		assert.NoError(t, err)
	}

	// Scoped query touches only its shard.
	docs, err := s.Find("chunks", Query{"entity_id": "e1"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "text for e1", docs[0]["content"])

	// Unscoped query fans out across shards.
	all, err := s.Find("chunks", nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestShardKeyFromSingleEntityIDs(t *testing.T) {
	s := newTestStore(t, Sharded("documents"))
	_, err := s.UpdateOne("documents",
		Query{"doc_id": "d1", "entity_ids": []any{"e9"}},
		Update{Set: map[string]any{"doc_name": "a.txt"}}, true)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(s.Root(), "documents", "e9.json"))
	assert.NoError(t, statErr)
}

func TestAggregate(t *testing.T) {
	s := newTestStore(t)
	rows := []struct {
		id     string
		entity string
		tokens float64
	}{
		{"c1", "e1", 10}, {"c2", "e1", 20}, {"c3", "e2", 5},
	}
	for _, r := range rows {
		_, err := s.UpdateOne("chunks_all", Query{"chunk_id": r.id}, Update{
			Set: map[string]any{"entity_id": r.entity, "tokens": r.tokens},
		}, true)
		require.NoError(t, err)
	}

	out, err := s.Aggregate("chunks_all", []map[string]any{
		{"$match": map[string]any{"tokens": map[string]any{"$gt": 1}}},
		{"$group": map[string]any{
			"_id":    "$entity_id",
			"total":  map[string]any{"$sum": "$tokens"},
			"count":  map[string]any{"$sum": 1},
			"chunks": map[string]any{"$push": "$chunk_id"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	byID := map[any]Doc{}
	for _, g := range out {
		byID[g["_id"]] = g
	}
	assert.Equal(t, float64(30), byID["e1"]["total"])
	assert.Equal(t, float64(2), byID["e1"]["count"])
	assert.Equal(t, []any{"c1", "c2"}, byID["e1"]["chunks"])
	assert.Equal(t, float64(5), byID["e2"]["total"])
}

func TestUpsertKeysChunksOfOneDocumentSeparately(t *testing.T) {
	s := newTestStore(t)

	// Chunk records carry both doc_id and chunk_id; every chunk must land
	// under its own key.
	for i := 0; i < 3; i++ {
		chunkID := []string{"chunk_d1_0", "chunk_d1_1", "chunk_d1_2"}[i]
		_, err := s.UpdateOne("chunks_e1", Query{"chunk_id": chunkID}, Update{
			Set: map[string]any{"chunk_id": chunkID, "doc_id": "d1", "chunk_order_index": i, "content": "c"},
		}, true)
		require.NoError(t, err)
	}

	docs, err := s.Find("chunks_e1", Query{"doc_id": "d1"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	for i, want := range []string{"chunk_d1_0", "chunk_d1_1", "chunk_d1_2"} {
		got, err := s.FindOne("chunks_e1", Query{"chunk_id": want})
		require.NoError(t, err)
		require.NotNil(t, got, "chunk %d missing", i)
		assert.Equal(t, float64(i), got["chunk_order_index"])
	}
}

func TestUpsertKeyFollowsQueryField(t *testing.T) {
	s := newTestStore(t)

	// Chat tasks carry both task_id and session_id; two tasks of the same
	// session must not collide.
	for _, taskID := range []string{"t1", "t2"} {
		_, err := s.UpdateOne("tasks", Query{"task_id": taskID}, Update{
			Set: map[string]any{"task_id": taskID, "session_id": "s1", "status": "pending"},
		}, true)
		require.NoError(t, err)
	}

	docs, err := s.Find("tasks", Query{"session_id": "s1"}, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestOpsRecordLatencyHistogram(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateOne("entities", Query{"id": "e1"}, Update{Set: map[string]any{"name": "Acme"}}, true)
	require.NoError(t, err)
	_, err = s.Find("entities", nil, nil)
	require.NoError(t, err)
	_, err = s.DeleteMany("entities", Query{"id": "e1"})
	require.NoError(t, err)

	// One child series per op label.
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metrics.KVOpDuration), 3)
}

func TestToDocDecodeDocRoundTrip(t *testing.T) {
	type rec struct {
		ID   string `json:"id"`
		N    int    `json:"n"`
		Tags []string
	}
	doc, err := ToDoc(rec{ID: "x", N: 3, Tags: []string{"a"}})
	require.NoError(t, err)

	var got rec
	require.NoError(t, DecodeDoc(doc, &got))
	assert.Equal(t, rec{ID: "x", N: 3, Tags: []string{"a"}}, got)
}
