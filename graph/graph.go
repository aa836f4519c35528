// Package graph holds the computation graph the shape inference and rewrite passes operate on.
//
// Nodes live in an arena owned by the Graph and refer to each other by NodeID handles, never by
// owning pointers: a Constant may feed any number of consumers, and removing a node only tombstones
// its slot. Handles stay valid (pointing to a tombstone) until Compact is called.
//
// A Graph is not safe for concurrent use: passes over the same graph must be serialized by the caller.
// Independent graphs share no state.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

// NodeID is the handle of a node in its Graph's arena.
type NodeID int

// InvalidNode is returned where no node exists.
const InvalidNode NodeID = -1

// Output identifies one output of a node, the value flowing along an edge.
type Output struct {
	Node  NodeID
	Index int
}

// String implements fmt.Stringer.
func (o Output) String() string {
	if o.Index == 0 {
		return fmt.Sprintf("#%d", o.Node)
	}
	return fmt.Sprintf("#%d:%d", o.Node, o.Index)
}

// Use is one input slot of a consumer node.
type Use struct {
	Node  NodeID
	Input int
}

// Graph is an arena of nodes.
type Graph struct {
	id    uuid.UUID
	Name  string
	nodes []*Node

	parameters, results []NodeID
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{id: uuid.New(), Name: name}
}

// ID is a unique identifier of the graph, used in log lines.
func (g *Graph) ID() uuid.UUID { return g.id }

// Node returns the node for the handle, or nil if it was removed or never existed.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Producer returns the node producing the output.
func (g *Graph) Producer(out Output) *Node { return g.Node(out.Node) }

// MustNode is like Node, but panics (with exceptions.Panicf) if the node doesn't exist.
func (g *Graph) MustNode(id NodeID) *Node {
	node := g.Node(id)
	if node == nil {
		exceptions.Panicf("graph %q has no node #%d", g.Name, id)
	}
	return node
}

// Nodes returns the live nodes in NodeID order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	count := 0
	for _, node := range g.nodes {
		if node != nil {
			count++
		}
	}
	return count
}

// Parameters returns the Parameter nodes, in creation order.
func (g *Graph) Parameters() []NodeID { return slices.Clone(g.parameters) }

// Results returns the Result nodes, in creation order.
func (g *Graph) Results() []NodeID { return slices.Clone(g.results) }

func (g *Graph) newNode(name string, op OpKind, inputs []Output, attrs Attributes) *Node {
	node := &Node{
		id:     NodeID(len(g.nodes)),
		graph:  g,
		Name:   name,
		Op:     op,
		Inputs: slices.Clone(inputs),
		Attrs:  attrs.Clone(),
	}
	if node.Name == "" {
		node.Name = fmt.Sprintf("%s_%d", op, node.id)
	}
	g.nodes = append(g.nodes, node)
	return node
}

// AddParameter adds a graph input with the given element type and (possibly partial) shape.
func (g *Graph) AddParameter(name string, et tensor.ElementType, shape shapes.PartialShape) NodeID {
	node := g.newNode(name, OpParameter, nil, NewAttributes())
	node.ElementType = et
	node.Shapes = []shapes.PartialShape{shape.Clone()}
	g.parameters = append(g.parameters, node.id)
	return node.id
}

// AddConstant adds a Constant node holding value.
func (g *Graph) AddConstant(name string, value *tensor.Tensor) NodeID {
	if value == nil {
		exceptions.Panicf("graph.AddConstant(%q) with nil value", name)
	}
	node := g.newNode(name, OpConstant, nil, NewAttributes())
	node.Value = value
	node.ElementType = value.Type()
	node.Shapes = []shapes.PartialShape{shapes.Static(value.Shape()...)}
	return node.id
}

// AddNode adds an operator node consuming the given outputs.
//
// The output element type is derived from the inputs and attributes (see OutputElementType).
// It panics (with exceptions.Panicf) if any input refers to a missing node or if op is a
// Parameter, Constant or Result: use the dedicated methods for those.
func (g *Graph) AddNode(name string, op OpKind, inputs []Output, attrs Attributes) NodeID {
	switch op {
	case OpParameter, OpConstant, OpResult:
		exceptions.Panicf("graph.AddNode(%q): use the dedicated method to add a %s", name, op)
	}
	if op <= OpInvalid || op >= numOpKinds {
		exceptions.Panicf("graph.AddNode(%q): invalid operator type %d", name, int(op))
	}
	for ii, in := range inputs {
		if g.Producer(in) == nil {
			exceptions.Panicf("graph.AddNode(%q): input #%d refers to missing node %s", name, ii, in)
		}
	}
	node := g.newNode(name, op, inputs, attrs)
	node.ElementType = g.OutputElementType(node)
	return node.id
}

// AddResult adds a graph output fed by src.
func (g *Graph) AddResult(name string, src Output) NodeID {
	producer := g.Producer(src)
	if producer == nil {
		exceptions.Panicf("graph.AddResult(%q): missing node %s", name, src)
	}
	node := g.newNode(name, OpResult, []Output{src}, NewAttributes())
	node.ElementType = producer.ElementType
	g.results = append(g.results, node.id)
	return node.id
}

// OutputElementType derives the element type of the node's output from its inputs and attributes.
func (g *Graph) OutputElementType(node *Node) tensor.ElementType {
	inputType := func(i int) tensor.ElementType {
		if i >= len(node.Inputs) {
			return tensor.Undefined
		}
		if producer := g.Producer(node.Inputs[i]); producer != nil {
			return producer.ElementType
		}
		return tensor.Undefined
	}
	switch {
	case node.Op == OpParameter || node.Op == OpConstant:
		return node.ElementType
	case node.Op.IsComparison():
		return tensor.Boolean
	case node.Op == OpConvert:
		return node.Attrs.ElementType(AttrDestinationType, tensor.Undefined)
	case node.Op == OpShapeOf || node.Op == OpBucketize:
		return node.Attrs.ElementType(AttrOutputType, tensor.I64)
	case node.Op == OpSelect:
		return inputType(1)
	}
	return inputType(0)
}

// Consumers returns the input slots that read from any output of node id, in consumer order.
func (g *Graph) Consumers(id NodeID) []Use {
	var uses []Use
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for ii, in := range node.Inputs {
			if in.Node == id {
				uses = append(uses, Use{Node: node.id, Input: ii})
			}
		}
	}
	return uses
}

// ConsumersMap maps each node to the input slots reading from it.
// It is a snapshot: changes to the graph are not reflected.
func (g *Graph) ConsumersMap() map[NodeID][]Use {
	consumers := make(map[NodeID][]Use, len(g.nodes))
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for ii, in := range node.Inputs {
			consumers[in.Node] = append(consumers[in.Node], Use{Node: node.id, Input: ii})
		}
	}
	return consumers
}

// ReplaceInput rewires input idx of consumer to read from src.
func (g *Graph) ReplaceInput(consumer NodeID, idx int, src Output) error {
	node := g.Node(consumer)
	if node == nil {
		return errors.Errorf("graph %q: ReplaceInput on missing node #%d", g.Name, consumer)
	}
	if idx < 0 || idx >= len(node.Inputs) {
		return errors.Errorf("graph %q: node %q has %d inputs, cannot replace input #%d",
			g.Name, node.Name, len(node.Inputs), idx)
	}
	if g.Producer(src) == nil {
		return errors.Errorf("graph %q: ReplaceInput(%q, %d) from missing node %s", g.Name, node.Name, idx, src)
	}
	node.Inputs[idx] = src
	return nil
}

// ReplaceAllUses rewires every consumer of old to read from replacement instead.
// It returns the number of input slots changed.
func (g *Graph) ReplaceAllUses(old, replacement Output) int {
	count := 0
	for _, node := range g.nodes {
		if node == nil || node.id == replacement.Node {
			continue
		}
		for ii, in := range node.Inputs {
			if in == old {
				node.Inputs[ii] = replacement
				count++
			}
		}
	}
	return count
}

// Remove tombstones the node. It fails if the node still has consumers.
func (g *Graph) Remove(id NodeID) error {
	node := g.Node(id)
	if node == nil {
		return errors.Errorf("graph %q: cannot remove missing node #%d", g.Name, id)
	}
	if uses := g.Consumers(id); len(uses) > 0 {
		return errors.Errorf("graph %q: cannot remove node %q, it still has %d consumers", g.Name, node.Name, len(uses))
	}
	g.nodes[id] = nil
	g.parameters = slices.DeleteFunc(g.parameters, func(p NodeID) bool { return p == id })
	g.results = slices.DeleteFunc(g.results, func(r NodeID) bool { return r == id })
	return nil
}

// RemoveUnused removes the given nodes if they have no consumers, and then, transitively, the producers
// left without consumers. Parameters and Results are never removed. Nodes outside the inputs of the
// given ones are not touched, so graphs without Results are safe. It returns the number of nodes removed.
func (g *Graph) RemoveUnused(ids ...NodeID) int {
	consumers := g.ConsumersMap()
	stack := slices.Clone(ids)
	removed := 0
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := g.Node(id)
		if node == nil || node.Op == OpParameter || node.Op == OpResult || len(consumers[id]) > 0 {
			continue
		}
		for _, in := range node.Inputs {
			consumers[in.Node] = slices.DeleteFunc(consumers[in.Node], func(use Use) bool { return use.Node == id })
			stack = append(stack, in.Node)
		}
		g.nodes[id] = nil
		removed++
	}
	return removed
}

// RemoveDead removes every node that doesn't contribute to a Result. Parameters are always kept.
// It returns the number of nodes removed.
func (g *Graph) RemoveDead() int {
	live := make([]bool, len(g.nodes))
	stack := slices.Clone(g.results)
	stack = append(stack, g.parameters...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if live[id] || g.nodes[id] == nil {
			continue
		}
		live[id] = true
		for _, in := range g.nodes[id].Inputs {
			stack = append(stack, in.Node)
		}
	}
	removed := 0
	for id, node := range g.nodes {
		if node != nil && !live[id] {
			g.nodes[id] = nil
			removed++
		}
	}
	return removed
}

// TopologicalOrder returns the live nodes ordered so that every node comes after its inputs.
// Ties are broken by NodeID, so the order is deterministic. A cycle is an error.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	pending := make([]int, len(g.nodes))
	consumers := g.ConsumersMap()
	ready := binaryheap.New[NodeID]()
	numLive := 0
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		numLive++
		pending[node.id] = len(node.Inputs)
		if pending[node.id] == 0 {
			ready.Push(node.id)
		}
	}
	order := make([]NodeID, 0, numLive)
	for !ready.Empty() {
		id, _ := ready.Pop()
		order = append(order, id)
		for _, use := range consumers[id] {
			pending[use.Node]--
			if pending[use.Node] == 0 {
				ready.Push(use.Node)
			}
		}
	}
	if len(order) != numLive {
		var stuck []string
		for _, node := range g.nodes {
			if node != nil && pending[node.id] > 0 {
				stuck = append(stuck, node.Name)
			}
		}
		return nil, errors.Errorf("graph %q has a cycle involving nodes %v", g.Name, stuck)
	}
	return order, nil
}

// Clone returns a deep copy of the graph with a new ID. Handles are preserved.
// Constant values are shared, since tensors are immutable.
func (g *Graph) Clone() *Graph {
	clone := &Graph{
		id:         uuid.New(),
		Name:       g.Name,
		nodes:      make([]*Node, len(g.nodes)),
		parameters: slices.Clone(g.parameters),
		results:    slices.Clone(g.results),
	}
	for id, node := range g.nodes {
		if node == nil {
			continue
		}
		c := *node
		c.graph = clone
		c.Inputs = slices.Clone(node.Inputs)
		c.Attrs = node.Attrs.Clone()
		c.Shapes = make([]shapes.PartialShape, len(node.Shapes))
		for i, s := range node.Shapes {
			c.Shapes[i] = s.Clone()
		}
		clone.nodes[id] = &c
	}
	return clone
}

// Compact drops the tombstones and renumbers the live nodes, preserving their relative order.
// It returns the mapping from old to new handles: any handle held from before is invalidated.
func (g *Graph) Compact() map[NodeID]NodeID {
	mapping := make(map[NodeID]NodeID, len(g.nodes))
	compacted := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		mapping[node.id] = NodeID(len(compacted))
		node.id = NodeID(len(compacted))
		compacted = append(compacted, node)
	}
	for _, node := range compacted {
		for ii, in := range node.Inputs {
			node.Inputs[ii].Node = mapping[in.Node]
		}
	}
	remap := func(ids []NodeID) []NodeID {
		for i, id := range ids {
			ids[i] = mapping[id]
		}
		return ids
	}
	g.parameters = remap(g.parameters)
	g.results = remap(g.results)
	g.nodes = compacted
	return mapping
}

// String lists the live nodes, one per line, in NodeID order.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q:\n", g.Name)
	for _, node := range g.nodes {
		if node != nil {
			_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
		}
	}
	return sb.String()
}
