package kvstore

import (
	"fmt"
	"sort"
	"strings"
)

// Aggregate runs a minimal pipeline over a collection. Supported stages are
// $match (a Query) and $group with $sum and $push accumulators. Group ids may
// be nil (single group) or a "$field" reference.
func (s *Store) Aggregate(coll string, pipeline []map[string]any) ([]Doc, error) {
	docs, err := s.Find(coll, nil, nil)
	if err != nil {
		return nil, err
	}

	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("aggregate: stage must have exactly one operator, got %d", len(stage))
		}
		for op, arg := range stage {
			switch op {
			case "$match":
				q, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("aggregate: $match argument must be a query")
				}
				var kept []Doc
				for _, d := range docs {
					if matchDoc(d, q) {
						kept = append(kept, d)
					}
				}
				docs = kept
			case "$group":
				spec, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("aggregate: $group argument must be a document")
				}
				grouped, err := groupDocs(docs, spec)
				if err != nil {
					return nil, err
				}
				docs = grouped
			default:
				return nil, fmt.Errorf("aggregate: unsupported stage %s", op)
			}
		}
	}
	return docs, nil
}

func groupDocs(docs []Doc, spec map[string]any) ([]Doc, error) {
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("aggregate: $group requires _id")
	}

	groups := map[string]Doc{}
	var order []string

	for _, d := range docs {
		key, id := groupKey(d, idExpr)
		g, exists := groups[key]
		if !exists {
			g = Doc{"_id": id}
			groups[key] = g
			order = append(order, key)
		}

		for field, accAny := range spec {
			if field == "_id" {
				continue
			}
			acc, ok := accAny.(map[string]any)
			if !ok || len(acc) != 1 {
				return nil, fmt.Errorf("aggregate: accumulator for %s must be a single-operator document", field)
			}
			for accOp, accArg := range acc {
				switch accOp {
				case "$sum":
					cur, _ := asFloat(g[field])
					cur += evalNumeric(d, accArg)
					g[field] = cur
				case "$push":
					arr, _ := g[field].([]any)
					v, _ := evalExpr(d, accArg)
					g[field] = append(arr, v)
				default:
					return nil, fmt.Errorf("aggregate: unsupported accumulator %s", accOp)
				}
			}
		}
	}

	sort.Strings(order)
	out := make([]Doc, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out, nil
}

func groupKey(doc Doc, idExpr any) (string, any) {
	if idExpr == nil {
		return "", nil
	}
	v, _ := evalExpr(doc, idExpr)
	return fmt.Sprintf("%v", v), v
}

// evalExpr resolves "$field" references against the document; literals pass
// through.
func evalExpr(doc Doc, expr any) (any, bool) {
	if ref, ok := expr.(string); ok && strings.HasPrefix(ref, "$") {
		return getPath(doc, ref[1:])
	}
	return expr, true
}

func evalNumeric(doc Doc, expr any) float64 {
	v, ok := evalExpr(doc, expr)
	if !ok {
		return 0
	}
	n, _ := asFloat(v)
	return n
}
