package generate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"auditdesk/api/internal/procedure"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// Template is one procedure type's question library.
type Template struct {
	ProcedureType   procedure.Type  `yaml:"procedureType"`
	Sections        []ScopeTemplate `yaml:"sections"`
	Classifications []ScopeTemplate `yaml:"classifications"`
}

// ScopeTemplate holds the questions and recommendations of one section or
// classification. Questions stay loosely typed so they merge exactly like AI
// output does.
type ScopeTemplate struct {
	ID              string           `yaml:"id"`
	Title           string           `yaml:"title"`
	Standards       []string         `yaml:"standards"`
	Currency        string           `yaml:"currency"`
	Footer          string           `yaml:"footer"`
	Questions       []map[string]any `yaml:"questions"`
	Recommendations []any            `yaml:"recommendations"`
}

func (s ScopeTemplate) scopeID() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Title
}

// Library serves template batches. Templates come from the binary unless a
// directory is given, in which case files there replace same-named built-ins.
type Library struct {
	mu        sync.RWMutex
	templates map[procedure.Type]Template
}

// LoadLibrary reads the built-in templates and then any *.yaml in dir.
func LoadLibrary(dir string) (*Library, error) {
	lib := &Library{templates: make(map[procedure.Type]Template)}
	if err := lib.load(builtinTemplates, "templates"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(dir) != "" {
		if err := lib.load(os.DirFS(dir), "."); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

func (l *Library) load(fsys fs.FS, root string) error {
	matches, err := fs.Glob(fsys, filepath.ToSlash(filepath.Join(root, "*.yaml")))
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	sort.Strings(matches)
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read template %s: %w", name, err)
		}
		var tpl Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return fmt.Errorf("parse template %s: %w", name, err)
		}
		if tpl.ProcedureType == "" {
			tpl.ProcedureType = procedure.Type(strings.TrimSuffix(filepath.Base(name), ".yaml"))
		}
		l.mu.Lock()
		l.templates[tpl.ProcedureType] = tpl
		l.mu.Unlock()
	}
	return nil
}

func (l *Library) Name() string { return "library" }

// Template returns the template for a procedure type.
func (l *Library) Template(t procedure.Type) (Template, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tpl, ok := l.templates[t]
	return tpl, ok
}

// Sections returns empty section skeletons (titles, standards, footers) for a
// new document of type t.
func (l *Library) Sections(t procedure.Type) []procedure.Section {
	tpl, ok := l.Template(t)
	if !ok {
		return nil
	}
	sections := make([]procedure.Section, 0, len(tpl.Sections))
	for _, s := range tpl.Sections {
		sections = append(sections, procedure.Section{
			ID:        s.scopeID(),
			Title:     s.Title,
			Standards: append([]string(nil), s.Standards...),
			Currency:  s.Currency,
			Footer:    s.Footer,
		})
	}
	return sections
}

// Classifications lists the classification scopes a type offers.
func (l *Library) Classifications(t procedure.Type) []string {
	tpl, ok := l.Template(t)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(tpl.Classifications))
	for _, c := range tpl.Classifications {
		out = append(out, c.scopeID())
	}
	return out
}

func (l *Library) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	tpl, ok := l.Template(req.ProcedureType)
	if !ok {
		return Result{}, fmt.Errorf("%w: procedure type %q", ErrNoTemplate, req.ProcedureType)
	}
	scopes := tpl.Sections
	if req.Classification != "" {
		scopes = tpl.Classifications
	}
	scope := req.Scope()
	for _, s := range scopes {
		if s.scopeID() != scope {
			continue
		}
		return Result{
			Questions:       filterQuestions(s.Questions, req.Materiality),
			Recommendations: append([]any(nil), s.Recommendations...),
		}, nil
	}
	return Result{}, fmt.Errorf("%w: %q", ErrNoTemplate, scope)
}

// filterQuestions drops questions whose minMateriality exceeds the document's
// materiality. Questions with a threshold are dropped when materiality is unknown.
func filterQuestions(questions []map[string]any, materiality *float64) []any {
	out := make([]any, 0, len(questions))
	for _, q := range questions {
		item := make(map[string]any, len(q))
		for k, v := range q {
			item[k] = v
		}
		if threshold, ok := numeric(item["minMateriality"]); ok {
			if materiality == nil || *materiality < threshold {
				continue
			}
		}
		delete(item, "minMateriality")
		out = append(out, item)
	}
	return out
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
