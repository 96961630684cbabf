package flow

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalTargets encodes targets as a catalog file "targets" section,
// keeping their order. Parse reads the output back.
func MarshalTargets(targets []Target) ([]byte, error) {
	section := &yaml.Node{Kind: yaml.MappingNode}
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		locs := &yaml.Node{Kind: yaml.SequenceNode}
		for _, l := range t.Locators {
			key, ok := fileKey(l.Strategy)
			if !ok {
				return nil, fmt.Errorf("target %s: no file key for strategy %q", t.Name, l.Strategy)
			}
			locs.Content = append(locs.Content, &yaml.Node{
				Kind:    yaml.MappingNode,
				Content: []*yaml.Node{str(key), str(l.Value)},
			})
		}
		section.Content = append(section.Content, str(t.Name), locs)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{str("targets"), section}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode targets: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode targets: %w", err)
	}
	return buf.Bytes(), nil
}

func fileKey(s Strategy) (string, bool) {
	for key, strategy := range locatorKeys {
		if strategy == s {
			return key, true
		}
	}
	return "", false
}

func str(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}
