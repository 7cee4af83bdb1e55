// Package prompts turns release metadata, tickets and commit messages into
// the prompt sent to the generation backend.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/odvcencio/releasenotes/pkg/notes"
)

//go:embed templates/release_notes.md templates/system.txt
var defaults embed.FS

// Prompt kinds that can be overridden.
const (
	KindTemplate = "template"
	KindSystem   = "system"
)

// DefaultPlaceholder in an override is replaced with the embedded default.
const DefaultPlaceholder = "{{DEFAULT_PROMPT}}"

const ticketDelimiter = "\n--------------------\n"

var frame = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"tickets": renderTickets,
	"lines":   func(lines []string) string { return strings.Join(lines, "\n") },
}).Parse(`Tickets:
{{tickets .Tickets}}

Commit messages:
{{lines .Commits}}

IMPORTANT: Your target audience is: {{.Audience}}. You must take this into account.

Template:
{{.ProductName}} Release Notes - {{.Version}} - {{.Date}}

{{.Body}}`))

// PromptInfo describes the default/override state of a prompt.
type PromptInfo struct {
	Kind         string   `json:"kind"`
	Source       string   `json:"source"`
	Default      string   `json:"default"`
	Effective    string   `json:"effective"`
	Overridden   bool     `json:"overridden"`
	Placeholders []string `json:"placeholders"`
}

// Options selects override files. Empty paths keep the embedded defaults.
type Options struct {
	TemplateFile     string
	SystemPromptFile string
}

// Input is everything one prompt is built from.
type Input struct {
	ProductName string
	Version     string
	Date        notes.ReleaseDate
	Audience    notes.Audience
	Tickets     []notes.Ticket
	Commits     []string
}

// InputFor collects the prompt fields of a request.
func InputFor(req notes.Request, commits []string) Input {
	return Input{
		ProductName: req.ProductName,
		Version:     req.ReleaseTag,
		Date:        req.ReleaseDate,
		Audience:    req.TargetAudience,
		Tickets:     req.Tickets,
		Commits:     commits,
	}
}

// Assembler renders prompts. It is immutable and safe for concurrent use.
type Assembler struct {
	body   string
	system string
	info   []PromptInfo
}

// New loads the embedded assets and applies any override files.
func New(opts Options) (*Assembler, error) {
	a := &Assembler{}
	var err error
	if a.body, err = a.resolve(KindTemplate, opts.TemplateFile); err != nil {
		return nil, err
	}
	if a.system, err = a.resolve(KindSystem, opts.SystemPromptFile); err != nil {
		return nil, err
	}
	return a, nil
}

// Default returns an assembler over the embedded assets.
func Default() *Assembler {
	a, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Assembler) resolve(kind, overridePath string) (string, error) {
	def, err := defaultFor(kind)
	if err != nil {
		return "", err
	}
	info := PromptInfo{
		Kind:         kind,
		Source:       "embedded",
		Default:      def,
		Effective:    def,
		Placeholders: []string{DefaultPlaceholder},
	}

	if path := strings.TrimSpace(overridePath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s prompt override: %w", kind, err)
		}
		override := strings.TrimSpace(string(data))
		if override == "" {
			return "", fmt.Errorf("%s prompt override %s is empty", kind, path)
		}
		info.Source = path
		info.Effective = strings.ReplaceAll(override, DefaultPlaceholder, def)
		info.Overridden = true
	}

	a.info = append(a.info, info)
	return info.Effective, nil
}

func defaultFor(kind string) (string, error) {
	var name string
	switch kind {
	case KindTemplate:
		name = "templates/release_notes.md"
	case KindSystem:
		name = "templates/system.txt"
	default:
		return "", fmt.Errorf("unknown prompt kind: %s", kind)
	}
	data, err := defaults.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// System returns the fixed system instruction.
func (a *Assembler) System() string {
	return a.system
}

// Info reports where each prompt came from.
func (a *Assembler) Info() []PromptInfo {
	out := make([]PromptInfo, len(a.info))
	copy(out, a.info)
	return out
}

// Assemble renders the user prompt for in. Values are interpolated as plain
// text.
func (a *Assembler) Assemble(in Input) (string, error) {
	var sb strings.Builder
	err := frame.Execute(&sb, struct {
		Input
		Date     string
		Audience string
		Body     string
	}{
		Input:    in,
		Date:     in.Date.String(),
		Audience: string(in.Audience),
		Body:     a.body,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}

func renderTickets(tickets []notes.Ticket) string {
	parts := make([]string, 0, len(tickets))
	for _, t := range tickets {
		parts = append(parts, "Summary:"+t.Summary+"\nDescription:"+t.Description)
	}
	return strings.Join(parts, ticketDelimiter)
}
