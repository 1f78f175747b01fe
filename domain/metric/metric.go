// Package metric defines metrics and their hierarchy (value types and pure
// helpers). Metrics form a forest per service; a metric's ancestors are the
// chain of parent ids up to the root.
package metric

// Metric is a named countable unit of usage.
type Metric struct {
	ServiceID string
	ID        string
	Name      string
	ParentID  string // empty for roots
}

// Root reports whether the metric has no parent.
func (m Metric) Root() bool {
	return m.ParentID == ""
}

// Names maps metric id to metric name.
type Names map[string]string

// AncestorsIn walks the parent chain of id through the given forest,
// returning ancestor ids nearest-first. Walks are cycle-safe: a repeated id
// terminates the chain.
// This is a PURE function.
func AncestorsIn(forest map[string]Metric, id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	for {
		m, ok := forest[id]
		if !ok || m.ParentID == "" || seen[m.ParentID] {
			return out
		}
		out = append(out, m.ParentID)
		seen[m.ParentID] = true
		id = m.ParentID
	}
}
