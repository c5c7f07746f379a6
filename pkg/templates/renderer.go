// Package templates holds the prompt catalog: one system template and one
// input template per step, plus per-step generation settings, embedded in the
// binary and optionally overridden from a directory on disk.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"codeforge/pkg/proto"
)

//go:embed catalog.yaml steps/*.tpl.md
var embedded embed.FS

// TemplateData is the input available to every step template.
type TemplateData struct {
	Request          string
	Spec             string
	References       string
	ValidationReport string
	FrontendCode     string
	BackendCode      string
	RetryTarget      string
	Error            string
	Pages            []string
	Endpoints        []string
	DataModels       []string

	FrontendFileCount int
	BackendFileCount  int
	RetryCount        int
	MaxRetries        int
	TotalTokens       int
	TokenBudget       int
	HasSpec           bool
	ValidationPassed  bool
}

// NewTemplateData fills the state-derived fields. References is left to the caller.
func NewTemplateData(s *proto.JobState) *TemplateData {
	return &TemplateData{
		Request:           s.Request,
		Spec:              s.Spec,
		ValidationReport:  s.ValidationReport,
		FrontendCode:      FormatFiles(s.FrontendFiles),
		BackendCode:       FormatFiles(s.BackendFiles),
		RetryTarget:       string(s.RetryTarget),
		Error:             s.Error,
		Pages:             s.Pages,
		Endpoints:         s.Endpoints,
		DataModels:        s.DataModels,
		FrontendFileCount: len(s.FrontendFiles),
		BackendFileCount:  len(s.BackendFiles),
		RetryCount:        s.RetryCount,
		MaxRetries:        s.MaxRetries,
		TotalTokens:       s.TotalTokens,
		TokenBudget:       s.TokenBudget,
		HasSpec:           s.HasSpec(),
		ValidationPassed:  s.ValidationPassed,
	}
}

// FormatFiles renders files as fenced blocks in name order.
func FormatFiles(files map[string]string) string {
	parts := make([]string, 0, len(files))
	for _, name := range slices.Sorted(maps.Keys(files)) {
		parts = append(parts, fmt.Sprintf("### %s\n```\n%s\n```", name, files[name]))
	}
	return strings.Join(parts, "\n\n")
}

// Settings are the generation parameters for one step.
type Settings struct {
	System      string  `yaml:"system"`
	Input       string  `yaml:"input"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	JSONMode    bool    `yaml:"json_mode"`

	// MaxInputTokens caps the rendered input; zero means no cap.
	MaxInputTokens int `yaml:"max_input_tokens"`
}

type catalog struct {
	Steps map[string]Settings `yaml:"steps"`
}

type stepPrompt struct {
	input    *template.Template
	system   string
	settings Settings
}

// Renderer serves step prompts. It is safe for concurrent use; Reload swaps a
// step's templates in place.
type Renderer struct {
	prompts     map[proto.StepID]*stepPrompt
	overrideDir string
	mu          sync.RWMutex
}

// NewRenderer loads the embedded catalog. A non-empty overrideDir is consulted
// first for every template file.
func NewRenderer(overrideDir string) (*Renderer, error) {
	raw, err := embedded.ReadFile("catalog.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt catalog: %w", err)
	}
	var cat catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse prompt catalog: %w", err)
	}

	r := &Renderer{prompts: make(map[proto.StepID]*stepPrompt), overrideDir: overrideDir}
	for name, settings := range cat.Steps {
		step, err := proto.ParseStepID(name)
		if err != nil {
			return nil, fmt.Errorf("prompt catalog: %w", err)
		}
		p, err := r.load(step, settings)
		if err != nil {
			return nil, err
		}
		r.prompts[step] = p
	}
	for _, step := range proto.AllSteps {
		if _, ok := r.prompts[step]; !ok {
			return nil, fmt.Errorf("prompt catalog has no entry for step %s", step)
		}
	}
	return r, nil
}

func (r *Renderer) readFile(name string) ([]byte, error) {
	if r.overrideDir != "" {
		b, err := os.ReadFile(filepath.Join(r.overrideDir, name))
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read template override %s: %w", name, err)
		}
	}
	b, err := embedded.ReadFile("steps/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}
	return b, nil
}

func (r *Renderer) load(step proto.StepID, settings Settings) (*stepPrompt, error) {
	system, err := r.readFile(settings.System)
	if err != nil {
		return nil, err
	}
	input, err := r.readFile(settings.Input)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(settings.Input).Option("missingkey=error").Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(string(input))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", settings.Input, err)
	}
	return &stepPrompt{input: tmpl, system: string(system), settings: settings}, nil
}

func (r *Renderer) get(step proto.StepID) (*stepPrompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[step]
	if !ok {
		return nil, fmt.Errorf("no prompt for step %s", step)
	}
	return p, nil
}

// System returns the system template text for step, as hashed for integrity checks.
func (r *Renderer) System(step proto.StepID) (string, error) {
	p, err := r.get(step)
	if err != nil {
		return "", err
	}
	return p.system, nil
}

// Settings returns the generation settings for step.
func (r *Renderer) Settings(step proto.StepID) (Settings, error) {
	p, err := r.get(step)
	if err != nil {
		return Settings{}, err
	}
	return p.settings, nil
}

// Render executes the input template for step.
func (r *Renderer) Render(step proto.StepID, data *TemplateData) (string, error) {
	p, err := r.get(step)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := p.input.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template for %s: %w", step, err)
	}
	return buf.String(), nil
}

// Reload re-reads the templates of whichever step uses the file at path. It
// reports the affected step, or false when no step uses that file.
func (r *Renderer) Reload(path string) (proto.StepID, bool, error) {
	base := filepath.Base(path)
	r.mu.RLock()
	var (
		target   proto.StepID
		settings Settings
		found    bool
	)
	for step, p := range r.prompts {
		if p.settings.System == base || p.settings.Input == base {
			target, settings, found = step, p.settings, true
			break
		}
	}
	r.mu.RUnlock()
	if !found {
		return "", false, nil
	}

	p, err := r.load(target, settings)
	if err != nil {
		return target, true, err
	}
	r.mu.Lock()
	r.prompts[target] = p
	r.mu.Unlock()
	return target, true, nil
}
