package notify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles the message templates attached to mutation definitions.
// Templates get the full sprig function set minus environment and filesystem
// helpers, which have no business in a notification message.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled notification message. Templates are safe for
// concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs the notification template renderer.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	} {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// Compile parses a message template. Empty or whitespace-only sources return
// nil without error so unconfigured notification messages stay optional.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "message"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("notify: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the template with the supplied data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("notify: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notify: render %q: %w", t.name, err)
	}
	return buf.String(), nil
}
