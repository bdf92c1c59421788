package engine

import (
	"github.com/leadwire/flowengine/internal/graph"
	"github.com/leadwire/flowengine/pkg/schema"
)

// SelectEdges resolves which outgoing edges a run follows after a node
// succeeds. A non-conditional node ("" branch) follows every outgoing
// edge (fan-out). A conditional node follows the edges labeled with the
// selected branch; when no edge carries that label, the unlabeled
// default edges are taken. No label match and no default is a
// BRANCH_NOT_FOUND error, fatal to the run but never to the process.
func SelectEdges(g *graph.Graph, nodeID, branch string) ([]schema.Edge, error) {
	outgoing := g.Outgoing(nodeID)
	if branch == "" {
		return outgoing, nil
	}

	var labeled, defaults []schema.Edge
	for _, e := range outgoing {
		switch e.Branch {
		case branch:
			labeled = append(labeled, e)
		case "":
			defaults = append(defaults, e)
		}
	}

	if len(labeled) > 0 {
		return labeled, nil
	}
	if len(defaults) > 0 {
		return defaults, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeBranchNotFound,
		"no edge for branch %q and no default edge", branch).
		WithNode(nodeID).
		WithDetails(map[string]any{"branch": branch})
}
