package kvstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/natefinch/atomic"

	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Doc is one stored JSON document.
type Doc = map[string]any

// fileLocks guards every collection file in the process. Load-modify-save
// sequences hold the file's mutex end-to-end.
var fileLocks = struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}{locks: make(map[string]*sync.Mutex)}

func lockFor(path string) *sync.Mutex {
	fileLocks.mu.Lock()
	defer fileLocks.mu.Unlock()
	l, ok := fileLocks.locks[path]
	if !ok {
		l = &sync.Mutex{}
		fileLocks.locks[path] = l
	}
	return l
}

// idFields are probed in order to derive the storage key of a document.
// chunk_id precedes doc_id: chunk records carry both, and every chunk of a
// document must get its own key.
var idFields = []string{"id", "chunk_id", "doc_id", "session_id", "task_id"}

// Store is a crash-safe JSON document store. Each collection is either a
// single file <root>/<coll>.json holding an object id -> doc, or a directory
// <root>/<coll>/<shard>.json when the collection is sharded.
type Store struct {
	root    string
	sharded map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// Sharded marks collections as sharded by entity.
func Sharded(collections ...string) Option {
	return func(s *Store) {
		for _, c := range collections {
			s.sharded[c] = true
		}
	}
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	s := &Store{root: root, sharded: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// shardKey extracts the shard from a query or update document: prefer
// entity_id, else a single-element entity_ids.
func shardKey(q Query) string {
	if q == nil {
		return ""
	}
	if v, ok := q["entity_id"].(string); ok {
		return v
	}
	switch ids := q["entity_ids"].(type) {
	case []string:
		if len(ids) == 1 {
			return ids[0]
		}
	case []any:
		if len(ids) == 1 {
			if v, ok := ids[0].(string); ok {
				return v
			}
		}
	}
	return ""
}

// files resolves the collection file(s) a query touches. For unsharded
// collections this is the single collection file; for sharded collections it
// is the shard file when a shard key is derivable, else every existing shard.
func (s *Store) files(coll string, q Query) ([]string, error) {
	if !s.sharded[coll] {
		return []string{filepath.Join(s.root, coll+".json")}, nil
	}

	dir := filepath.Join(s.root, coll)
	if key := shardKey(q); key != "" {
		return []string{filepath.Join(dir, sanitizeShard(key)+".json")}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list shards for %s: %w", coll, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// writeFile picks the file new documents land in. Sharded inserts require a
// derivable shard key.
func (s *Store) writeFile(coll string, q Query) (string, error) {
	if !s.sharded[coll] {
		return filepath.Join(s.root, coll+".json"), nil
	}
	key := shardKey(q)
	if key == "" {
		return "", fmt.Errorf("collection %s is sharded and no entity key is present", coll)
	}
	return filepath.Join(s.root, coll, sanitizeShard(key)+".json"), nil
}

func sanitizeShard(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, key)
}

// load reads a collection file. Missing or corrupt files read as empty; a
// corrupt file is logged and ignored so one bad shard never poisons reads.
func load(path string) map[string]Doc {
	logger := log.WithComponent("kvstore")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("file", path).Msg("failed to read collection file")
		}
		return map[string]Doc{}
	}
	var docs map[string]Doc
	if err := json.Unmarshal(data, &docs); err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("corrupt collection file, treating as empty")
		return map[string]Doc{}
	}
	if docs == nil {
		docs = map[string]Doc{}
	}
	return docs
}

// save writes a collection file atomically (tmp file + fsync + rename).
func save(path string, docs map[string]Doc) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode collection: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write collection file %s: %w", path, err)
	}
	return nil
}

// docKey derives the storage key for an upserted document. The query's
// equality on a well-known id field wins, since that is the identity the
// caller addressed the document by; the document's own id fields are the
// fallback. Without the query-first rule a record carrying several id fields
// (a chat task has task_id and session_id) would collide with its siblings.
func docKey(query Query, doc Doc) (string, bool) {
	for _, f := range idFields {
		if v, ok := query[f].(string); ok && v != "" {
			return v, true
		}
	}
	for _, f := range idFields {
		if v, ok := doc[f].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// FindOne returns the first document matching query, or nil.
func (s *Store) FindOne(coll string, query Query) (Doc, error) {
	docs, err := s.Find(coll, query, nil)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Find returns all documents matching query (nil matches everything),
// optionally projected to the named fields. Results are ordered by storage
// key for determinism.
func (s *Store) Find(coll string, query Query, projection []string) ([]Doc, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.KVOpDuration, "find")

	paths, err := s.files(coll, query)
	if err != nil {
		return nil, err
	}

	var out []Doc
	for _, path := range paths {
		mu := lockFor(path)
		mu.Lock()
		docs := load(path)
		keys := make([]string, 0, len(docs))
		for k := range docs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if matchDoc(docs[k], query) {
				out = append(out, project(docs[k], projection))
			}
		}
		mu.Unlock()
	}
	return out, nil
}

func project(doc Doc, fields []string) Doc {
	if len(fields) == 0 {
		return doc
	}
	p := Doc{}
	for _, f := range fields {
		if v, ok := getPath(doc, f); ok {
			p[f] = v
		}
	}
	return p
}

// UpdateResult reports how many documents an update touched.
type UpdateResult struct {
	Matched  int
	Modified int
	Upserted bool
}

// UpdateOne applies update to the first matching document, upserting a new
// document when requested and nothing matches. The whole load-modify-save
// runs under the file mutex.
func (s *Store) UpdateOne(coll string, query Query, update Update, upsert bool) (UpdateResult, error) {
	return s.update(coll, query, update, upsert, true)
}

// UpdateMany applies update to every matching document.
func (s *Store) UpdateMany(coll string, query Query, update Update) (UpdateResult, error) {
	return s.update(coll, query, update, false, false)
}

func (s *Store) update(coll string, query Query, update Update, upsert, single bool) (UpdateResult, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.KVOpDuration, "update")

	var res UpdateResult
	paths, err := s.files(coll, query)
	if err != nil {
		return res, err
	}

	for _, path := range paths {
		mu := lockFor(path)
		mu.Lock()
		docs := load(path)

		keys := make([]string, 0, len(docs))
		for k := range docs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		changed := false
		for _, k := range keys {
			if !matchDoc(docs[k], query) {
				continue
			}
			res.Matched++
			if update.apply(docs[k], false) {
				res.Modified++
				changed = true
			}
			if single {
				break
			}
		}

		if changed {
			if err := save(path, docs); err != nil {
				mu.Unlock()
				return res, err
			}
		}
		mu.Unlock()

		if single && res.Matched > 0 {
			return res, nil
		}
	}

	if upsert && res.Matched == 0 {
		return s.insertUpsert(coll, query, update)
	}
	return res, nil
}

// insertUpsert materializes a new document from the query's equality fields
// plus the update's Set/SetOnInsert/Inc/AddToSet operators.
func (s *Store) insertUpsert(coll string, query Query, update Update) (UpdateResult, error) {
	res := UpdateResult{Upserted: true, Modified: 1}

	path, err := s.writeFile(coll, query)
	if err != nil {
		return UpdateResult{}, err
	}

	doc := Doc{}
	for f, v := range query {
		if strings.HasPrefix(f, "$") {
			continue
		}
		if _, isOp := v.(map[string]any); isOp {
			continue
		}
		setPath(doc, f, v)
	}
	update.apply(doc, true)

	key, ok := docKey(query, doc)
	if !ok {
		return UpdateResult{}, fmt.Errorf("upsert into %s: document has no id field", coll)
	}

	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	docs := load(path)
	if existing, ok := docs[key]; ok {
		// Raced with a concurrent upsert of the same key: apply to it.
		res.Upserted = false
		res.Matched = 1
		update.apply(existing, false)
	} else {
		docs[key] = doc
	}
	if err := save(path, docs); err != nil {
		return UpdateResult{}, err
	}
	return res, nil
}

// DeleteResult reports how many documents were removed.
type DeleteResult struct {
	Deleted int
}

// DeleteOne removes the first matching document.
func (s *Store) DeleteOne(coll string, query Query) (DeleteResult, error) {
	return s.delete(coll, query, true)
}

// DeleteMany removes every matching document.
func (s *Store) DeleteMany(coll string, query Query) (DeleteResult, error) {
	return s.delete(coll, query, false)
}

func (s *Store) delete(coll string, query Query, single bool) (DeleteResult, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.KVOpDuration, "delete")

	var res DeleteResult
	paths, err := s.files(coll, query)
	if err != nil {
		return res, err
	}

	for _, path := range paths {
		mu := lockFor(path)
		mu.Lock()
		docs := load(path)

		keys := make([]string, 0, len(docs))
		for k := range docs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		changed := false
		for _, k := range keys {
			if !matchDoc(docs[k], query) {
				continue
			}
			delete(docs, k)
			res.Deleted++
			changed = true
			if single {
				break
			}
		}

		if changed {
			if err := save(path, docs); err != nil {
				mu.Unlock()
				return res, err
			}
		}
		mu.Unlock()

		if single && res.Deleted > 0 {
			return res, nil
		}
	}
	return res, nil
}

// DropCollection removes a collection's file (or all its shards).
func (s *Store) DropCollection(coll string) error {
	if s.sharded[coll] {
		dir := filepath.Join(s.root, coll)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to drop collection %s: %w", coll, err)
		}
		return nil
	}
	path := filepath.Join(s.root, coll+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to drop collection %s: %w", coll, err)
	}
	return nil
}

// ToDoc converts a typed record into its stored map form.
func ToDoc(v any) (Doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return doc, nil
}

// DecodeDoc converts a stored map back into a typed record.
func DecodeDoc(doc Doc, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}
