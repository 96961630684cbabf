package cli

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
	"github.com/devicelab-dev/engage-runner/pkg/hierarchy"
)

var hierarchyCommand = &cli.Command{
	Name:  "hierarchy",
	Usage: "Print the view hierarchy of the connected device",
	Description: `Print the current screen's elements as JSON, CSV or a catalog file
targets section.

Examples:
  engage-runner hierarchy
  engage-runner hierarchy --compact
  engage-runner hierarchy --targets > screen.yaml`,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "compact", Usage: "Output in CSV format"},
		&cli.BoolFlag{Name: "targets", Usage: "Output suggested targets in catalog file format"},
		&cli.BoolFlag{Name: "all", Usage: "Include hidden and unlabelled elements"},
	},
	Action: runHierarchy,
}

func runHierarchy(c *cli.Context) error {
	return withSession(c, nil, func(ctx context.Context, r *invocation) error {
		ps, ok := r.driver.(action.PageSourcer)
		if !ok {
			return core.ErrUnsupported.WithMessage("driver cannot dump the page source")
		}
		src, err := ps.Source()
		if err != nil {
			return err
		}
		nodes, err := hierarchy.Parse(src)
		if err != nil {
			return err
		}
		if !c.Bool("all") {
			nodes = hierarchy.Filter(nodes)
		}

		w := c.App.Writer
		switch {
		case c.Bool("targets"):
			return writeTargets(w, nodes)
		case c.Bool("compact"):
			return writeCSV(w, nodes)
		default:
			data, err := json.MarshalIndent(nodes, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "%s\n", data)
			return err
		}
	})
}

func writeCSV(w io.Writer, nodes []hierarchy.Node) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"depth", "class", "resource_id", "text", "content_desc", "x", "y", "width", "height", "enabled", "clickable"}); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := cw.Write([]string{
			strconv.Itoa(n.Depth), n.Class, n.ResourceID, n.Text, n.ContentDesc,
			strconv.Itoa(n.Bounds.X), strconv.Itoa(n.Bounds.Y),
			strconv.Itoa(n.Bounds.Width), strconv.Itoa(n.Bounds.Height),
			strconv.FormatBool(n.Enabled), strconv.FormatBool(n.Clickable),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeTargets(w io.Writer, nodes []hierarchy.Node) error {
	seen := make(map[string]int)
	var targets []flow.Target
	for _, n := range nodes {
		locs := n.Locators()
		if len(locs) == 0 {
			continue
		}
		name := targetName(n)
		seen[name]++
		if seen[name] > 1 {
			name = fmt.Sprintf("%s_%d", name, seen[name])
		}
		targets = append(targets, flow.Target{Name: name, Locators: locs})
	}
	data, err := flow.MarshalTargets(targets)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// targetName derives a snake case name from the id suffix, description or
// text of n.
func targetName(n hierarchy.Node) string {
	label := n.ResourceID
	if i := strings.LastIndex(label, ":id/"); i >= 0 {
		label = label[i+len(":id/"):]
	}
	if label == "" {
		label = n.ContentDesc
	}
	if label == "" {
		label = n.Text
	}

	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	name := strings.TrimSuffix(b.String(), "_")
	if name == "" {
		return "element"
	}
	return name
}
