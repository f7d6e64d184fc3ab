package message

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FromYAML builds document content from a YAML mapping, preserving key
// order. A mapping value becomes a group, a scalar becomes a leaf and a
// sequence repeats the element once per item.
func FromYAML(data []byte) (*Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty yaml document", ErrMalformed)
	}
	top := doc.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: yaml document must be a mapping", ErrMalformed)
	}
	root := New()
	if err := addMapping(root, top); err != nil {
		return nil, err
	}
	return root, nil
}

func addMapping(parent *Node, m *yaml.Node) error {
	for i := 0; i+1 < len(m.Content); i += 2 {
		key, value := m.Content[i], m.Content[i+1]
		if value.Kind == yaml.SequenceNode {
			for _, item := range value.Content {
				if err := addValue(parent, key.Value, item); err != nil {
					return err
				}
			}
			continue
		}
		if err := addValue(parent, key.Value, value); err != nil {
			return err
		}
	}
	return nil
}

func addValue(parent *Node, name string, value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parent.Add(E(name, value.Value))
	case yaml.MappingNode:
		g := G(name)
		if err := addMapping(g, value); err != nil {
			return err
		}
		parent.Add(g)
	case yaml.AliasNode:
		return addValue(parent, name, value.Alias)
	default:
		return fmt.Errorf("%w: unsupported yaml value for %s at line %d", ErrMalformed, name, value.Line)
	}
	return nil
}
