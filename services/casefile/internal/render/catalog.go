package render

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/catalog.yaml
var defaultCatalogYAML []byte

type Template struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Filename string `yaml:"filename"`
	Body     string `yaml:"body"`

	nodes []node
}

type LintIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LintError lists every problem found while loading a catalog.
type LintError struct {
	Issues []LintIssue
}

func (e *LintError) add(path, code, message string) {
	e.Issues = append(e.Issues, LintIssue{Path: path, Code: code, Message: message})
}

func (e *LintError) Error() string {
	if len(e.Issues) == 0 {
		return "template validation failed"
	}
	first := e.Issues[0]
	return fmt.Sprintf("template validation failed at %s: %s", first.Path, first.Message)
}

type Catalog struct {
	byID map[string]*Template
}

// ParseCatalog decodes a YAML catalog and parses every template body.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode template catalog: %w", err)
	}
	lint := &LintError{}
	cat := &Catalog{byID: map[string]*Template{}}
	for i := range doc.Templates {
		t := doc.Templates[i]
		path := fmt.Sprintf("templates[%d]", i)
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			lint.add(path+".id", "REQUIRED", "template id is required")
			continue
		}
		path = "templates." + t.ID
		if _, dup := cat.byID[t.ID]; dup {
			lint.add(path, "DUPLICATE", "template id is declared twice")
			continue
		}
		if strings.TrimSpace(t.Filename) == "" {
			t.Filename = t.ID + ".html"
		}
		nodes, err := parse(t.Body)
		if err != nil {
			lint.add(path+".body", "SYNTAX", err.Error())
			continue
		}
		t.nodes = nodes
		cat.byID[t.ID] = &t
	}
	if len(lint.Issues) > 0 {
		sort.Slice(lint.Issues, func(i, j int) bool { return lint.Issues[i].Path < lint.Issues[j].Path })
		return nil, lint
	}
	return cat, nil
}

// DefaultCatalog returns the catalog embedded in the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

func (c *Catalog) Get(id string) (*Template, bool) {
	t, ok := c.byID[id]
	return t, ok
}

func (c *Catalog) IDs() []string {
	out := make([]string, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
