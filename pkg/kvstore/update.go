package kvstore

// Update is the tagged-variant form of the MongoDB-subset update operators.
// Zero-value fields are skipped.
type Update struct {
	// Set writes each field (dot-paths allowed).
	Set map[string]any
	// Unset removes each named field.
	Unset []string
	// Inc adds to a numeric field, creating field=increment when absent.
	Inc map[string]float64
	// AddToSet appends to an array field if the value is not already present
	// (by equality), initializing [] when absent.
	AddToSet map[string]any
	// SetOnInsert writes fields only when the update upserts a new document.
	SetOnInsert map[string]any
}

// apply mutates doc in place and reports whether anything changed. insert is
// true when the document was just materialized by an upsert.
func (u Update) apply(doc Doc, insert bool) bool {
	changed := false

	for f, v := range u.Set {
		if cur, ok := getPath(doc, f); !ok || !scalarEquals(cur, v) {
			setPath(doc, f, v)
			changed = true
		}
	}

	for _, f := range u.Unset {
		if unsetPath(doc, f) {
			changed = true
		}
	}

	for f, inc := range u.Inc {
		cur := 0.0
		if v, ok := getPath(doc, f); ok {
			if n, isNum := asFloat(v); isNum {
				cur = n
			}
		}
		setPath(doc, f, cur+inc)
		changed = true
	}

	for f, v := range u.AddToSet {
		arr, _ := asList(mustGet(doc, f))
		present := false
		for _, el := range arr {
			if scalarEquals(el, v) {
				present = true
				break
			}
		}
		if !present {
			setPath(doc, f, append(arr, v))
			changed = true
		}
	}

	if insert {
		for f, v := range u.SetOnInsert {
			setPath(doc, f, v)
			changed = true
		}
	}

	return changed
}

func mustGet(doc Doc, path string) any {
	v, _ := getPath(doc, path)
	return v
}
