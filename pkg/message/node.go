package message

import "strings"

// Node is one element of a document tree. A node carries either a text
// value or children; a node with children ignores its value when written.
type Node struct {
	Name     string
	Value    string
	Children []*Node
}

// New returns an unnamed root holding children. The root element name is
// chosen from the document type when the tree is marshalled.
func New(children ...*Node) *Node {
	return &Node{Children: children}
}

// E returns a leaf element.
func E(name, value string) *Node {
	return &Node{Name: name, Value: value}
}

// G returns an element grouping children.
func G(name string, children ...*Node) *Node {
	return &Node{Name: name, Children: children}
}

// Add appends children and returns n.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Prepend inserts child before all existing children.
func (n *Node) Prepend(child *Node) *Node {
	n.Children = append([]*Node{child}, n.Children...)
	return n
}

// Child returns the first direct child called name.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Find follows a slash separated path of element names from n and returns
// the first match, or nil.
func (n *Node) Find(path string) *Node {
	cur := n
	for _, part := range splitPath(path) {
		cur = cur.Child(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// FindAll returns every element matching path. Only the last path segment
// may match several elements.
func (n *Node) FindAll(path string) []*Node {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil
	}
	parent := n
	if len(parts) > 1 {
		parent = n.Find(strings.Join(parts[:len(parts)-1], "/"))
	}
	if parent == nil {
		return nil
	}
	last := parts[len(parts)-1]
	var out []*Node
	for _, c := range parent.Children {
		if c.Name == last {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the trimmed value at path, or "" when absent.
func (n *Node) Get(path string) string {
	found := n.Find(path)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Value)
}

// Has reports whether path exists.
func (n *Node) Has(path string) bool {
	return n.Find(path) != nil
}

// Set replaces the value of the direct child called name, adding it at the
// end when missing.
func (n *Node) Set(name, value string) {
	if c := n.Child(name); c != nil {
		c.Value = value
		c.Children = nil
		return
	}
	n.Add(E(name, value))
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Name: n.Name, Value: n.Value}
	if len(n.Children) > 0 {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
