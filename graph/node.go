package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/graphpass/shapes"
	"github.com/gomlx/graphpass/tensor"
)

// Node is one operator in a Graph. It has a single output, Output(), except Result nodes which have none.
type Node struct {
	id    NodeID
	graph *Graph

	Name   string
	Op     OpKind
	Inputs []Output
	Attrs  Attributes

	// Value is set for Constant nodes only, and never modified.
	Value *tensor.Tensor

	// ElementType of the output.
	ElementType tensor.ElementType

	// Shapes of the outputs, set for Parameters and Constants at creation and for everything else by shape inference.
	Shapes []shapes.PartialShape

	// FoldMarker flags a node for the constant folding pass.
	FoldMarker bool
}

// ID returns the node's handle.
func (n *Node) ID() NodeID { return n.id }

// Graph returns the graph owning the node.
func (n *Node) Graph() *Graph { return n.graph }

// Output returns the node's (first) output.
func (n *Node) Output() Output { return Output{Node: n.id} }

// Input returns the producer of input i, or nil if there is no such input.
func (n *Node) Input(i int) *Node {
	if i < 0 || i >= len(n.Inputs) {
		return nil
	}
	return n.graph.Producer(n.Inputs[i])
}

// Shape returns the inferred shape of the first output, or a dynamic rank shape if not known yet.
func (n *Node) Shape() shapes.PartialShape {
	if len(n.Shapes) == 0 {
		return shapes.DynamicRank()
	}
	return n.Shapes[0]
}

// IsConstant returns whether the node is a Constant.
func (n *Node) IsConstant() bool { return n.Op == OpConstant }

// SetAttr sets an attribute and returns the node, for chaining.
func (n *Node) SetAttr(name string, value any) *Node {
	n.Attrs.Set(name, value)
	return n
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "#%d %s = %s(", n.id, n.Name, n.Op)
	for ii, in := range n.Inputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(in.String())
	}
	sb.WriteString(")")
	if attrs := n.Attrs.Format(); attrs != "" {
		_, _ = fmt.Fprintf(&sb, " {%s}", attrs)
	}
	if n.Value != nil {
		_, _ = fmt.Fprintf(&sb, " value=%s", n.Value)
	}
	_, _ = fmt.Fprintf(&sb, " -> %s%s", n.ElementType, n.Shape())
	if n.FoldMarker {
		sb.WriteString(" [fold]")
	}
	return sb.String()
}
