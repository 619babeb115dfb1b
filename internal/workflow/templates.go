package workflow

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// builtinOrder is the order templates are matched in. The first template
// with a keyword found in the description wins.
var builtinOrder = []string{
	"hire_freelancer",
	"schedule_meeting",
	"research_and_report",
	"social_media_post",
	"online_shopping",
	"travel_booking",
	"job_application",
	"food_delivery",
}

// Template is a reusable step graph selected by keyword.
type Template struct {
	Name        string   `yaml:"name"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Steps       []Step   `yaml:"steps"`
}

// TemplateRegistry holds the built-in templates plus any loaded from disk.
// Templates loaded from a directory replace built-ins of the same name and
// are matched after them otherwise.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	order     []string
}

// NewTemplateRegistry loads the embedded templates.
func NewTemplateRegistry() (*TemplateRegistry, error) {
	r := &TemplateRegistry{templates: make(map[string]*Template)}
	for _, name := range builtinOrder {
		data, err := fs.ReadFile(builtinTemplates, "templates/"+name+".yaml")
		if err != nil {
			return nil, fmt.Errorf("read builtin template %s: %w", name, err)
		}
		t, err := parseTemplate(data)
		if err != nil {
			return nil, fmt.Errorf("builtin template %s: %w", name, err)
		}
		r.put(t)
	}
	return r, nil
}

func parseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Name == "" {
		return nil, fmt.Errorf("template has no name")
	}
	if _, err := Validate(&Workflow{ID: t.Name, Steps: t.Steps}); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRegistry) put(t *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.templates[t.Name] = t
}

// LoadDir reads every *.yaml file in dir. Invalid files are logged and
// skipped. A missing directory is not an error.
func (r *TemplateRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read template dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		r.loadFile(filepath.Join(dir, e.Name()))
	}
	return nil
}

func (r *TemplateRegistry) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[Workflow] Warning: failed to read template %s: %v", path, err)
		return
	}
	t, err := parseTemplate(data)
	if err != nil {
		log.Printf("[Workflow] Warning: invalid template %s: %v", path, err)
		return
	}
	r.put(t)
	log.Printf("[Workflow] Loaded template %s from %s", t.Name, path)
}

func isTemplateFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// Watch reloads templates from dir whenever a file there is written or
// created, until ctx is done.
func (r *TemplateRegistry) Watch(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ensure template dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && isTemplateFile(event.Name) {
					r.loadFile(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Workflow] Template watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (r *TemplateRegistry) Get(name string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// Names returns the registered template names in match order.
func (r *TemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Match returns the first template with a keyword contained in description.
func (r *TemplateRegistry) Match(description string) (*Template, bool) {
	lower := strings.ToLower(description)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		t := r.templates[name]
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return t, true
			}
		}
	}
	return nil, false
}

var placeholder = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// fill replaces {name} with params[name]. Unknown names are left as is.
func fill(s string, params map[string]string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := params[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Decompose turns a description into a workflow: the matching template's
// steps with parameters filled from params, or a single default step.
func (r *TemplateRegistry) Decompose(description string, params map[string]string) *Workflow {
	wf := &Workflow{
		ID:          uuid.NewString(),
		Description: description,
		Context:     make(map[string]string, len(params)+1),
	}
	for k, v := range params {
		wf.Context[k] = v
	}
	wf.Context[ContextDescription] = description

	t, ok := r.Match(description)
	if !ok {
		wf.Name = "default"
		wf.Steps = []Step{{
			ID:         "default",
			Name:       "Execute task",
			Action:     ActionSimpleTask,
			Parameters: map[string]string{"description": description},
			Retryable:  true,
		}}
		return wf
	}

	wf.Name = t.Name
	wf.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		step := s
		step.TargetApp = fill(s.TargetApp, params)
		step.Dependencies = append([]string(nil), s.Dependencies...)
		if s.Parameters != nil {
			step.Parameters = make(map[string]string, len(s.Parameters))
			for k, v := range s.Parameters {
				step.Parameters[k] = fill(v, params)
			}
		}
		wf.Steps[i] = step
	}
	return wf
}
