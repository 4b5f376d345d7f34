package orchestrate

import (
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/dialog"
)

// promptData is what the system prompt template sees.
type promptData struct {
	Title       string
	AssistantID string
	Model       string
	Vars        map[string]string
}

// renderSystemPrompt expands the prompt template with sprig functions
// over the dialog's variables. An empty template yields an empty
// prompt, not an error.
func renderSystemPrompt(tmplSrc string, d *dialog.Dialog) (string, error) {
	if tmplSrc == "" {
		return "", nil
	}
	tmpl, err := template.New("system-prompt").Funcs(sprig.TxtFuncMap()).Parse(tmplSrc)
	if err != nil {
		return "", errors.Wrap(err, "parse system prompt template")
	}

	data := promptData{
		Title:       d.Title,
		AssistantID: d.AssistantID,
		Model:       d.Model,
		Vars:        d.Vars,
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", errors.Wrap(err, "render system prompt template")
	}
	return sb.String(), nil
}
