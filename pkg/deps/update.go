package deps

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

type lineEdit struct {
	// line is 0-based
	line   int
	insert bool
	text   string
}

func mappingValue(node *yaml.Node, key string) (*yaml.Node, *yaml.Node) {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, nil
	}

	for idx := 0; idx+1 < len(node.Content); idx += 2 {
		if node.Content[idx].Value == key {
			return node.Content[idx], node.Content[idx+1]
		}
	}
	return nil, nil
}

// UpdateChecksums rewrites the sha256 fields of the named dependencies in the DEPS.yml content data.
// Everything else (comments, ordering, formatting) is left untouched.
func UpdateChecksums(data []byte, changes map[string]string) ([]byte, error) {
	var doc yaml.Node
	err := yaml.Unmarshal(data, &doc)
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse dependency list")
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, eris.New("dependency list is empty")
	}

	_, depsNode := mappingValue(doc.Content[0], "deps")
	if depsNode == nil || depsNode.Kind != yaml.MappingNode {
		return nil, eris.New("dependency list has no deps section")
	}

	lines := strings.Split(string(data), "\n")
	edits := make([]lineEdit, 0, len(changes))

	for name, checksum := range changes {
		nameNode, depNode := mappingValue(depsNode, name)
		if depNode == nil || depNode.Kind != yaml.MappingNode || len(depNode.Content) == 0 {
			return nil, eris.Errorf("failed to find the section for %s", name)
		}

		if depNode.Style&yaml.FlowStyle != 0 {
			return nil, eris.Errorf("can't update the checksum of %s because it uses the flow style", name)
		}

		keyNode, valueNode := mappingValue(depNode, "sha256")
		if keyNode == nil {
			indent := strings.Repeat(" ", depNode.Content[0].Column-1)
			edits = append(edits, lineEdit{
				line:   nameNode.Line,
				insert: true,
				text:   indent + "sha256: " + checksum,
			})
			continue
		}

		indent := strings.Repeat(" ", keyNode.Column-1)
		line := keyNode.Line - 1
		text := indent + "sha256: " + checksum

		// keep trailing comments
		if valueNode.Value != "" && valueNode.Line == keyNode.Line {
			original := lines[line]
			start := valueNode.Column - 1
			end := start + len(valueNode.Value)
			if valueNode.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle) != 0 {
				end += 2
				quote := original[start : start+1]
				checksum = quote + checksum + quote
			}

			if end <= len(original) {
				text = original[:start] + checksum + original[end:]
			}
		}

		edits = append(edits, lineEdit{line: line, text: text})
	}

	// apply from the bottom so line numbers stay valid
	sort.Slice(edits, func(i, j int) bool {
		return edits[i].line > edits[j].line
	})

	for _, edit := range edits {
		if edit.insert {
			lines = append(lines[:edit.line], append([]string{edit.text}, lines[edit.line:]...)...)
		} else {
			lines[edit.line] = edit.text
		}
	}

	return []byte(strings.Join(lines, "\n")), nil
}
