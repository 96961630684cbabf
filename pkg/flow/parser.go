package flow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseError represents a parsing error with location info.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// File is a parsed catalog file:
//
//	targets:
//	  username:
//	    - id: com.example:id/username
//	    - xpath: //android.widget.EditText[@resource-id="com.example:id/username"]
//	catalogs:
//	  postLogin:
//	    - name: PermissionAllow
//	      detect:
//	        - id: com.android.permissioncontroller:id/permission_allow_button
//	      verify:
//	        id: com.android.permissioncontroller:id/permission_allow_button
type File struct {
	SourcePath string
	Targets    map[string]Target
	Catalogs   map[string]Catalog

	// declaration order, for deterministic listing
	TargetNames  []string
	CatalogNames []string
}

// Target returns a declared target by name.
func (f *File) Target(name string) (Target, bool) {
	t, ok := f.Targets[name]
	return t, ok
}

// Catalog returns a declared catalog by name.
func (f *File) Catalog(name string) (Catalog, bool) {
	c, ok := f.Catalogs[name]
	return c, ok
}

// ParseFile parses a catalog YAML file.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is user-provided catalog file
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses catalog YAML content.
func Parse(data []byte, sourcePath string) (*File, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Path: sourcePath, Message: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &ParseError{Path: sourcePath, Line: 1, Message: "empty catalog file"}
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, &ParseError{Path: sourcePath, Line: doc.Line, Message: "top level must be a mapping"}
	}

	f := &File{
		SourcePath: sourcePath,
		Targets:    make(map[string]Target),
		Catalogs:   make(map[string]Catalog),
	}

	for i := 0; i < len(doc.Content)-1; i += 2 {
		key, value := doc.Content[i], doc.Content[i+1]
		switch key.Value {
		case "targets":
			if err := parseTargets(value, f); err != nil {
				return nil, err
			}
		case "catalogs":
			if err := parseCatalogs(value, f); err != nil {
				return nil, err
			}
		default:
			return nil, &ParseError{Path: sourcePath, Line: key.Line, Message: fmt.Sprintf("unknown section: %s", key.Value)}
		}
	}

	return f, nil
}

func parseTargets(node *yaml.Node, f *File) error {
	if node.Kind != yaml.MappingNode {
		return &ParseError{Path: f.SourcePath, Line: node.Line, Message: "targets must be a mapping"}
	}
	for i := 0; i < len(node.Content)-1; i += 2 {
		name := node.Content[i].Value
		t, err := parseTarget(name, node.Content[i+1], f.SourcePath)
		if err != nil {
			return err
		}
		if _, dup := f.Targets[name]; dup {
			return &ParseError{Path: f.SourcePath, Line: node.Content[i].Line, Message: fmt.Sprintf("duplicate target: %s", name)}
		}
		f.Targets[name] = t
		f.TargetNames = append(f.TargetNames, name)
	}
	return nil
}

func parseTarget(name string, node *yaml.Node, sourcePath string) (Target, error) {
	if node.Kind != yaml.SequenceNode {
		return Target{}, &ParseError{Path: sourcePath, Line: node.Line, Message: fmt.Sprintf("target %s: expected a list of locators", name)}
	}
	t := Target{Name: name}
	for _, item := range node.Content {
		loc, err := parseLocator(item, sourcePath)
		if err != nil {
			return Target{}, err
		}
		t.Locators = append(t.Locators, loc)
	}
	if err := t.Validate(); err != nil {
		return Target{}, &ParseError{Path: sourcePath, Line: node.Line, Message: err.Error()}
	}
	return t, nil
}

// locatorKeys maps YAML keys to strategies.
var locatorKeys = map[string]Strategy{
	"id":              StrategyID,
	"xpath":           StrategyXPath,
	"uiautomator":     StrategyUiAutomator,
	"accessibilityId": StrategyAccessibilityID,
	"predicate":       StrategyPredicate,
	"className":       StrategyClassName,
}

func parseLocator(node *yaml.Node, sourcePath string) (Locator, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return Locator{}, &ParseError{Path: sourcePath, Line: node.Line, Message: "locator must be a single-key mapping, e.g. {id: ...}"}
	}
	key, value := node.Content[0], node.Content[1]
	strategy, ok := locatorKeys[key.Value]
	if !ok {
		return Locator{}, &ParseError{Path: sourcePath, Line: key.Line, Message: fmt.Sprintf("unknown locator kind: %s", key.Value)}
	}
	if value.Kind != yaml.ScalarNode || value.Value == "" {
		return Locator{}, &ParseError{Path: sourcePath, Line: value.Line, Message: fmt.Sprintf("locator %s needs a string value", key.Value)}
	}
	return Locator{Strategy: strategy, Value: value.Value}, nil
}

type rawEntry struct {
	Name    string    `yaml:"name"`
	Detect  yaml.Node `yaml:"detect"`
	Dismiss yaml.Node `yaml:"dismiss"`
	Verify  yaml.Node `yaml:"verify"`
}

func parseCatalogs(node *yaml.Node, f *File) error {
	if node.Kind != yaml.MappingNode {
		return &ParseError{Path: f.SourcePath, Line: node.Line, Message: "catalogs must be a mapping"}
	}
	for i := 0; i < len(node.Content)-1; i += 2 {
		name := node.Content[i].Value
		list := node.Content[i+1]
		if list.Kind != yaml.SequenceNode {
			return &ParseError{Path: f.SourcePath, Line: list.Line, Message: fmt.Sprintf("catalog %s: expected a list of dialogs", name)}
		}

		c := Catalog{Name: name}
		for _, item := range list.Content {
			entry, err := parseEntry(item, f.SourcePath)
			if err != nil {
				return err
			}
			c.Entries = append(c.Entries, entry)
		}
		if _, dup := f.Catalogs[name]; dup {
			return &ParseError{Path: f.SourcePath, Line: node.Content[i].Line, Message: fmt.Sprintf("duplicate catalog: %s", name)}
		}
		f.Catalogs[name] = c
		f.CatalogNames = append(f.CatalogNames, name)
	}
	return nil
}

func parseEntry(node *yaml.Node, sourcePath string) (DialogEntry, error) {
	var raw rawEntry
	if err := node.Decode(&raw); err != nil {
		return DialogEntry{}, wrapParseError(sourcePath, node.Line, err)
	}
	if raw.Name == "" {
		return DialogEntry{}, &ParseError{Path: sourcePath, Line: node.Line, Message: "dialog entry needs a name"}
	}
	if raw.Detect.Kind == 0 {
		return DialogEntry{}, &ParseError{Path: sourcePath, Line: node.Line, Message: fmt.Sprintf("dialog %s: detect is required", raw.Name)}
	}

	entry := DialogEntry{Name: raw.Name}
	var err error
	if entry.Detect, err = parseTarget(raw.Name, &raw.Detect, sourcePath); err != nil {
		return DialogEntry{}, err
	}
	if raw.Dismiss.Kind != 0 {
		if entry.Dismiss, err = parseTarget(raw.Name+".dismiss", &raw.Dismiss, sourcePath); err != nil {
			return DialogEntry{}, err
		}
	}
	if raw.Verify.Kind != 0 {
		loc, err := parseLocator(&raw.Verify, sourcePath)
		if err != nil {
			return DialogEntry{}, err
		}
		entry.Verify = &loc
	}
	return entry, nil
}

func wrapParseError(path string, line int, err error) error {
	return &ParseError{Path: path, Line: line, Message: err.Error()}
}
