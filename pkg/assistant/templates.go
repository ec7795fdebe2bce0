package assistant

import (
	"fmt"
	"strings"
	"text/template"
)

// builtinTemplates are the prompt templates shipped with the service. Apps
// can register their own over these at startup.
var builtinTemplates = map[string]string{
	"shift_handover_summary": "You are an assistant for hospitality venue managers. " +
		"Summarise the following shift handover notes into a short briefing for the incoming manager. " +
		"Highlight incidents, stock issues and staffing gaps.\n\nNotes:\n{{.notes}}",

	"policy_answer": "You are an HR assistant for a hospitality business in {{.region}}. " +
		"Answer the staff member's question about workplace policy in plain language. " +
		"If the question needs legal advice, say so.\n\nQuestion:\n{{.question}}",

	"roster_announcement": "Write a short, friendly message to the team announcing the roster " +
		"for the week starting {{.week_start}}. Mention any open shifts that still need cover.\n\n" +
		"Roster:\n{{.roster}}",

	"incident_report": "Turn the following raw notes into a formal workplace incident report " +
		"with sections for what happened, who was involved, actions taken and follow-ups.\n\n" +
		"Notes:\n{{.notes}}",
}

// TemplateRegistry holds named prompt templates. Rendering substitutes
// {{.placeholder}} variables; a reference to an undefined variable fails the
// render rather than producing a prompt with holes in it.
type TemplateRegistry struct {
	templates map[string]*template.Template
}

func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]*template.Template)}
	for name, text := range builtinTemplates {
		if err := r.Register(name, text); err != nil {
			panic(fmt.Sprintf("builtin template %q: %v", name, err))
		}
	}
	return r
}

// Register adds or replaces a template.
func (r *TemplateRegistry) Register(name, text string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("template name is required")
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse template %q: %w", name, err)
	}
	r.templates[name] = tmpl
	return nil
}

// Names returns the registered template names.
func (r *TemplateRegistry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// Render executes a named template with the given variables.
func (r *TemplateRegistry) Render(name string, vars map[string]string) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	data := make(map[string]string, len(vars))
	for k, v := range vars {
		data[k] = v
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", name, err)
	}
	return sb.String(), nil
}
