package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/leadwire/flowengine/internal/executor"
	"github.com/leadwire/flowengine/pkg/schema"
)

// Validation issue codes.
const (
	IssueDuplicateNodeID = "duplicate_node_id"
	IssueDuplicateEdgeID = "duplicate_edge_id"
	IssueEmptyNodeID     = "empty_node_id"
	IssueEmptyNodeType   = "empty_node_type"
	IssueUnknownNodeType = "unknown_node_type"
	IssueDanglingEdge    = "dangling_edge"
	IssueNoStartNode     = "no_start_node"
	IssueMultipleStart   = "multiple_start_nodes"
	IssueEdgeIntoStart   = "edge_into_start"
	IssueNoDefaultBranch = "no_default_branch"
	IssueDeadEnd         = "dead_end"
	IssueUnreachable     = "unreachable"
	IssueCycle           = "cycle"
	IssueConfigSchema    = "config_schema"
	IssueInvalidTimeout  = "invalid_timeout"
	IssueInvalidRetry    = "invalid_retry"
)

// Graph is an indexed view of a WorkflowDefinition. Build never fails;
// structural problems are reported by Validate so the authoring layer
// gets every violation in one pass.
type Graph struct {
	def      *schema.WorkflowDefinition
	nodes    map[string]schema.Node
	outgoing map[string][]schema.Edge
	incoming map[string][]schema.Edge
}

// Build indexes a definition. Duplicate node IDs keep the first
// occurrence; Validate reports the duplicates.
func Build(def *schema.WorkflowDefinition) *Graph {
	g := &Graph{
		def:      def,
		nodes:    make(map[string]schema.Node, len(def.Nodes)),
		outgoing: make(map[string][]schema.Edge),
		incoming: make(map[string][]schema.Edge),
	}
	for _, n := range def.Nodes {
		if _, exists := g.nodes[n.ID]; !exists {
			g.nodes[n.ID] = n
		}
	}
	for _, e := range def.Edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
	}
	return g
}

// Definition returns the underlying definition.
func (g *Graph) Definition() *schema.WorkflowDefinition {
	return g.def
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (schema.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving a node.
func (g *Graph) Outgoing(id string) []schema.Edge {
	return g.outgoing[id]
}

// Incoming returns the edges entering a node.
func (g *Graph) Incoming(id string) []schema.Edge {
	return g.incoming[id]
}

// Predecessors returns the IDs of nodes with an edge into the given
// node, sorted and de-duplicated.
func (g *Graph) Predecessors(id string) []string {
	seen := make(map[string]struct{})
	for _, e := range g.incoming[id] {
		seen[e.Source] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// StartNode returns the ID of the entry node. It assumes the graph
// passed Validate; with no or multiple entry nodes it returns the
// first by sorted ID, or an error when none exists.
func (g *Graph) StartNode(reg *executor.Registry) (string, error) {
	entries := g.entryNodes(reg)
	if len(entries) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s has no start node", g.def.ID)
	}
	return entries[0], nil
}

func (g *Graph) entryNodes(reg *executor.Registry) []string {
	var entries []string
	for id, n := range g.nodes {
		ex, err := reg.Get(n.Type)
		if err != nil {
			continue
		}
		if ex.Spec().Entry {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}

// Validate checks the definition against the registry and returns every
// violation found. A nil ConfigValidator skips config-schema checks.
func (g *Graph) Validate(reg *executor.Registry, cv *ConfigValidator) *schema.ValidationResult {
	res := &schema.ValidationResult{}

	g.validateNodes(reg, cv, res)
	g.validateEdges(res)
	g.validateTopology(reg, res)

	return res
}

func (g *Graph) validateNodes(reg *executor.Registry, cv *ConfigValidator, res *schema.ValidationResult) {
	seen := make(map[string]int)
	for _, n := range g.def.Nodes {
		seen[n.ID]++
	}
	for id, count := range seen {
		if count > 1 {
			res.AddNodeIssue(id, IssueDuplicateNodeID,
				fmt.Sprintf("node id %q appears %d times", id, count))
		}
	}

	for _, n := range g.def.Nodes {
		if n.ID == "" {
			res.AddIssue(IssueEmptyNodeID, "node with empty id")
			continue
		}
		if n.Type == "" {
			res.AddNodeIssue(n.ID, IssueEmptyNodeType,
				fmt.Sprintf("node %q has no type", n.ID))
			continue
		}

		ex, err := reg.Get(n.Type)
		if err != nil {
			res.AddNodeIssue(n.ID, IssueUnknownNodeType,
				fmt.Sprintf("node %q references unknown type %q", n.ID, n.Type))
			continue
		}

		if n.Timeout != "" {
			if _, err := time.ParseDuration(n.Timeout); err != nil {
				res.AddNodeIssue(n.ID, IssueInvalidTimeout,
					fmt.Sprintf("node %q has invalid timeout %q", n.ID, n.Timeout))
			}
		}
		if n.Retry != nil {
			validateRetryPolicy(n.ID, n.Retry, res)
		}

		if cv != nil {
			if err := cv.Validate(ex, n.Config); err != nil {
				res.AddNodeIssue(n.ID, IssueConfigSchema,
					fmt.Sprintf("node %q config: %s", n.ID, err.Error()))
			}
		}
	}
}

func validateRetryPolicy(nodeID string, p *schema.RetryPolicy, res *schema.ValidationResult) {
	if p.MaxAttempts < 1 {
		res.AddNodeIssue(nodeID, IssueInvalidRetry,
			fmt.Sprintf("node %q retry max_attempts must be >= 1", nodeID))
	}
	switch p.Backoff {
	case "", "none", "constant", "linear", "exponential":
	default:
		res.AddNodeIssue(nodeID, IssueInvalidRetry,
			fmt.Sprintf("node %q has unknown backoff %q", nodeID, p.Backoff))
	}
	for _, d := range []string{p.Delay, p.MaxDelay} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			res.AddNodeIssue(nodeID, IssueInvalidRetry,
				fmt.Sprintf("node %q has invalid retry duration %q", nodeID, d))
		}
	}
}

func (g *Graph) validateEdges(res *schema.ValidationResult) {
	seen := make(map[string]int)
	for _, e := range g.def.Edges {
		seen[e.ID]++
	}
	for id, count := range seen {
		if id != "" && count > 1 {
			res.AddEdgeIssue(id, IssueDuplicateEdgeID,
				fmt.Sprintf("edge id %q appears %d times", id, count))
		}
	}

	for _, e := range g.def.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			res.AddEdgeIssue(e.ID, IssueDanglingEdge,
				fmt.Sprintf("edge %q references unknown source %q", e.ID, e.Source))
		}
		if _, ok := g.nodes[e.Target]; !ok {
			res.AddEdgeIssue(e.ID, IssueDanglingEdge,
				fmt.Sprintf("edge %q references unknown target %q", e.ID, e.Target))
		}
	}
}

func (g *Graph) validateTopology(reg *executor.Registry, res *schema.ValidationResult) {
	entries := g.entryNodes(reg)
	switch {
	case len(entries) == 0:
		res.AddIssue(IssueNoStartNode, "workflow has no start node")
	case len(entries) > 1:
		for _, id := range entries {
			res.AddNodeIssue(id, IssueMultipleStart,
				fmt.Sprintf("workflow has %d start nodes", len(entries)))
		}
	}

	for _, id := range entries {
		for _, e := range g.incoming[id] {
			res.AddEdgeIssue(e.ID, IssueEdgeIntoStart,
				fmt.Sprintf("edge %q targets start node %q", e.ID, id))
		}
	}

	for id, n := range g.nodes {
		ex, err := reg.Get(n.Type)
		if err != nil {
			continue
		}
		spec := ex.Spec()

		if spec.Conditional && !g.hasDefaultEdge(id) {
			res.AddNodeIssue(id, IssueNoDefaultBranch,
				fmt.Sprintf("conditional node %q has no unlabeled default edge", id))
		}
		if !spec.Terminal && len(g.outgoing[id]) == 0 {
			res.AddNodeIssue(id, IssueDeadEnd,
				fmt.Sprintf("non-terminal node %q has no outgoing edges", id))
		}
	}

	g.checkCycles(res)

	if len(entries) == 1 {
		g.checkReachability(entries[0], res)
	}
}

// hasDefaultEdge reports whether the node has an unlabeled outgoing
// edge, the fallback target for branch labels no edge carries.
func (g *Graph) hasDefaultEdge(id string) bool {
	for _, e := range g.outgoing[id] {
		if e.Branch == "" {
			return true
		}
	}
	return false
}

// checkCycles runs Kahn's algorithm; nodes left with nonzero in-degree
// participate in a cycle.
func (g *Graph) checkCycles(res *schema.ValidationResult) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for _, e := range g.def.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			continue
		}
		if _, ok := g.nodes[e.Target]; !ok {
			continue
		}
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(g.nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, e := range g.outgoing[id] {
			if _, ok := g.nodes[e.Target]; !ok {
				continue
			}
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	if processed == len(g.nodes) {
		return
	}

	var cyclic []string
	for id, deg := range inDegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	for _, id := range cyclic {
		res.AddNodeIssue(id, IssueCycle,
			fmt.Sprintf("node %q participates in a cycle", id))
	}
}

func (g *Graph) checkReachability(start string, res *schema.ValidationResult) {
	visited := map[string]struct{}{start: {}}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[id] {
			if _, ok := g.nodes[e.Target]; !ok {
				continue
			}
			if _, seen := visited[e.Target]; seen {
				continue
			}
			visited[e.Target] = struct{}{}
			queue = append(queue, e.Target)
		}
	}

	var unreachable []string
	for id := range g.nodes {
		if _, ok := visited[id]; !ok {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		res.AddNodeIssue(id, IssueUnreachable,
			fmt.Sprintf("node %q is unreachable from the start node", id))
	}
}
