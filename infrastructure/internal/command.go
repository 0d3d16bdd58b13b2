package internal

import (
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
)

// CommandData is what node command templates can refer to.
type CommandData struct {
	// Name of the node being deployed
	Name string
	// Host the node is deployed on
	Host string
}

// ParseCommand parses a node command template. Templates have access to the
// sprig functions, e.g. `agent --name {{ .Name | lower }}`.
func ParseCommand(text string) (*template.Template, error) {
	t, err := template.New("command").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid node command '%s': %w", text, err)
	}
	return t, nil
}

func RenderCommand(t *template.Template, data CommandData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render node command: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}
