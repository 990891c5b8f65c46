package render

import (
	"fmt"
	"regexp"
)

var tagRE = regexp.MustCompile(`\{\{\s*([#^/]?)\s*([a-zA-Z0-9_]+)\s*\}\}`)

type nodeKind int

const (
	textNode nodeKind = iota
	varNode
	sectionNode
)

type node struct {
	kind     nodeKind
	text     string
	name     string
	inverted bool
	children []node
}

type frame struct {
	name     string
	inverted bool
	nodes    []node
}

// parse turns a template body into a tree. Sections must be closed in
// order; stray or unclosed sections are syntax errors.
func parse(body string) ([]node, error) {
	stack := []frame{{}}
	pos := 0
	for _, m := range tagRE.FindAllStringSubmatchIndex(body, -1) {
		top := &stack[len(stack)-1]
		if m[0] > pos {
			top.nodes = append(top.nodes, node{kind: textNode, text: body[pos:m[0]]})
		}
		pos = m[1]
		sigil := body[m[2]:m[3]]
		name := body[m[4]:m[5]]
		switch sigil {
		case "":
			top.nodes = append(top.nodes, node{kind: varNode, name: name})
		case "#", "^":
			stack = append(stack, frame{name: name, inverted: sigil == "^"})
		case "/":
			if len(stack) == 1 {
				return nil, fmt.Errorf("closing tag {{/%s}} has no open section", name)
			}
			open := stack[len(stack)-1]
			if open.name != name {
				return nil, fmt.Errorf("closing tag {{/%s}} does not match open section %q", name, open.name)
			}
			stack = stack[:len(stack)-1]
			parent := &stack[len(stack)-1]
			parent.nodes = append(parent.nodes, node{kind: sectionNode, name: name, inverted: open.inverted, children: open.nodes})
		}
	}
	if len(stack) > 1 {
		return nil, fmt.Errorf("section %q is never closed", stack[len(stack)-1].name)
	}
	if pos < len(body) {
		stack[0].nodes = append(stack[0].nodes, node{kind: textNode, text: body[pos:]})
	}
	return stack[0].nodes, nil
}
