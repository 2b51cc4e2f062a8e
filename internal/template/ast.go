package template

// Node is one element of a compiled template.
type Node interface{ node() }

// TextNode is literal text emitted verbatim.
type TextNode struct {
	Text string
}

// VariableNode is a ${path | filter...} expression.
type VariableNode struct {
	Path    string
	Filters []FilterCall
}

// FilterCall is one filter application in a variable expression's chain.
type FilterCall struct {
	Name string
	Args []string
}

// ConditionalNode is an ${if path} ... ${endif} block. Else is present in
// the node shape but the parser never populates it; the template language
// has no else branch.
type ConditionalNode struct {
	Path string
	Body []Node
	Else []Node
}

// LoopNode is a ${foreach name in path} ... ${endforeach} block.
type LoopNode struct {
	Var  string
	Path string
	Body []Node
}

func (TextNode) node()        {}
func (VariableNode) node()    {}
func (ConditionalNode) node() {}
func (LoopNode) node()        {}
