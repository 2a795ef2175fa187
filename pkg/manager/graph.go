package manager

import (
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/types"
)

const nodeLabelMax = 60

// GetKnowledgeGraph materializes the graph view over the given entities:
// one node per chunk, sequential edges between adjacent chunks of the same
// document. Entities that cannot be read contribute nothing.
func (m *Manager) GetKnowledgeGraph(entityIDs []string) (*types.KnowledgeGraph, error) {
	graph := &types.KnowledgeGraph{
		Nodes:         []types.Node{},
		Relationships: []types.Relationship{},
	}

	for _, entityID := range entityIDs {
		logger := log.WithEntityID(entityID)
		store, _, err := m.entityStore(entityID)
		if err != nil {
			logger.Warn().Err(err).Msg("skipping entity in knowledge graph")
			continue
		}
		chunks, err := store.AllChunks()
		if err != nil {
			logger.Error().Err(err).Msg("failed to read chunks")
			continue
		}

		var prev *types.Chunk
		for i := range chunks {
			c := chunks[i]
			graph.Nodes = append(graph.Nodes, types.Node{
				ID:              types.NodeIDFor(entityID, c.DocID, c.ChunkOrderIndex),
				EntityID:        entityID,
				DocID:           c.DocID,
				ChunkOrderIndex: c.ChunkOrderIndex,
				Label:           nodeLabel(c.Content),
			})
			if prev != nil && prev.DocID == c.DocID && prev.ChunkOrderIndex+1 == c.ChunkOrderIndex {
				source := types.NodeIDFor(entityID, prev.DocID, prev.ChunkOrderIndex)
				target := types.NodeIDFor(entityID, c.DocID, c.ChunkOrderIndex)
				graph.Relationships = append(graph.Relationships, types.Relationship{
					ID:     types.RelationshipIDFor(source, target),
					Source: source,
					Target: target,
					Label:  types.RelationSequential,
				})
			}
			prev = &chunks[i]
		}
	}
	return graph, nil
}

func nodeLabel(content string) string {
	runes := []rune(content)
	if len(runes) <= nodeLabelMax {
		return content
	}
	return string(runes[:nodeLabelMax]) + "…"
}
