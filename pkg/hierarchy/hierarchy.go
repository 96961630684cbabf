// Package hierarchy parses page source dumps into flat element lists and
// suggests locators for them. It reads the UiAutomator2 format (a
// <hierarchy> root of <node> or class-named elements) and the XCUITest
// format (an <AppiumAUT> root of XCUIElementType elements).
package hierarchy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

// Node is one element of the hierarchy.
type Node struct {
	Class       string      `json:"class"`
	ResourceID  string      `json:"resourceId,omitempty"`
	Text        string      `json:"text,omitempty"`
	ContentDesc string      `json:"contentDesc,omitempty"`
	Hint        string      `json:"hint,omitempty"`
	Bounds      core.Bounds `json:"bounds"`
	Enabled     bool        `json:"enabled"`
	Displayed   bool        `json:"displayed"`
	Clickable   bool        `json:"clickable"`
	Depth       int         `json:"depth"`
}

// Labelled reports whether the node carries an id, text or description.
func (n Node) Labelled() bool {
	return n.ResourceID != "" || n.Text != "" || n.ContentDesc != ""
}

// Locators suggests locators for n, most specific first.
func (n Node) Locators() []flow.Locator {
	var locs []flow.Locator
	if n.ResourceID != "" {
		locs = append(locs, flow.ByID(n.ResourceID))
	}
	if n.ContentDesc != "" {
		locs = append(locs, flow.ByAccessibilityID(n.ContentDesc))
	}
	if n.Text != "" {
		locs = append(locs, flow.ByXPath(fmt.Sprintf("//%s[@text=%s]", n.Class, xpathLiteral(n.Text))))
	}
	return locs
}

// Parse flattens a page source document in document order.
func Parse(source string) ([]Node, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(source); err != nil {
		return nil, fmt.Errorf("invalid page source: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("invalid page source: empty document")
	}

	var nodes []Node
	switch root.Tag {
	case "hierarchy":
		for _, child := range root.ChildElements() {
			nodes = walk(child, 0, androidNode, nodes)
		}
	case "AppiumAUT":
		for _, child := range root.ChildElements() {
			nodes = walk(child, 0, iosNode, nodes)
		}
	default:
		return nil, fmt.Errorf("invalid page source: unexpected root <%s>", root.Tag)
	}
	return nodes, nil
}

// Filter returns the displayed, labelled nodes.
func Filter(nodes []Node) []Node {
	var out []Node
	for _, n := range nodes {
		if n.Displayed && n.Labelled() {
			out = append(out, n)
		}
	}
	return out
}

// Match returns the nodes loc would resolve to. Id, accessibility id and
// class name locators are matched exactly; other strategies need the
// device and match nothing.
func Match(nodes []Node, loc flow.Locator) []Node {
	var out []Node
	for _, n := range nodes {
		var ok bool
		switch loc.Strategy {
		case flow.StrategyID:
			ok = n.ResourceID == loc.Value
		case flow.StrategyAccessibilityID:
			ok = n.ContentDesc == loc.Value
		case flow.StrategyClassName:
			ok = n.Class == loc.Value
		}
		if ok {
			out = append(out, n)
		}
	}
	return out
}

func walk(el *etree.Element, depth int, convert func(*etree.Element) Node, out []Node) []Node {
	n := convert(el)
	n.Depth = depth
	out = append(out, n)
	for _, child := range el.ChildElements() {
		out = walk(child, depth+1, convert, out)
	}
	return out
}

func androidNode(el *etree.Element) Node {
	class := el.SelectAttrValue("class", "")
	if class == "" {
		class = el.Tag
	}
	return Node{
		Class:       class,
		ResourceID:  el.SelectAttrValue("resource-id", ""),
		Text:        el.SelectAttrValue("text", ""),
		ContentDesc: el.SelectAttrValue("content-desc", ""),
		Hint:        el.SelectAttrValue("hint", ""),
		Bounds:      parseBounds(el.SelectAttrValue("bounds", "")),
		Enabled:     el.SelectAttrValue("enabled", "true") == "true",
		Displayed:   el.SelectAttrValue("displayed", "true") != "false",
		Clickable:   el.SelectAttrValue("clickable", "false") == "true",
	}
}

func iosNode(el *etree.Element) Node {
	text := el.SelectAttrValue("value", "")
	if text == "" {
		text = el.SelectAttrValue("label", "")
	}
	return Node{
		Class:       el.SelectAttrValue("type", el.Tag),
		Text:        text,
		ContentDesc: el.SelectAttrValue("name", ""),
		Hint:        el.SelectAttrValue("placeholderValue", ""),
		Bounds: core.Bounds{
			X:      atoi(el.SelectAttrValue("x", "")),
			Y:      atoi(el.SelectAttrValue("y", "")),
			Width:  atoi(el.SelectAttrValue("width", "")),
			Height: atoi(el.SelectAttrValue("height", "")),
		},
		Enabled:   el.SelectAttrValue("enabled", "true") == "true",
		Displayed: el.SelectAttrValue("visible", "true") == "true",
		Clickable: el.SelectAttrValue("accessible", "false") == "true",
	}
}

// parseBounds parses Android bounds "[x1,y1][x2,y2]".
func parseBounds(s string) core.Bounds {
	s = strings.ReplaceAll(s, "][", ",")
	s = strings.Trim(s, "[]")
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return core.Bounds{}
	}
	x1, y1, x2, y2 := atoi(parts[0]), atoi(parts[1]), atoi(parts[2]), atoi(parts[3])
	return core.Bounds{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// xpathLiteral quotes s for an XPath 1.0 expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return "concat(" + strings.Join(parts, `, '"', `) + ")"
}
