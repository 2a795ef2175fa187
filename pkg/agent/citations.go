package agent

import (
	"regexp"
	"strconv"
)

// citationPattern matches the literal inline citation form [[N](node_id)].
var citationPattern = regexp.MustCompile(`\[\[(\d+)\]\(([^)]+)\)\]`)

// ParseCitations extracts inline citations from assistant content. Repeats
// of the same node_id collapse into the first occurrence, keeping its
// number; order follows first appearance in the text.
func ParseCitations(content string) []Citation {
	matches := citationPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	citations := make([]Citation, 0, len(matches))
	for _, m := range matches {
		nodeID := m[2]
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		number, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		citations = append(citations, Citation{Number: number, NodeID: nodeID})
	}
	return citations
}
