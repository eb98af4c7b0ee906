package promptgen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/recordguard/recordguard/internal/domain"
)

// templateData is the parameterization context every context template is
// executed against.
type templateData struct {
	Record         string
	GenerationType string
}

// compiledTemplates caches parsed *template.Template values keyed by their
// raw source string, so a context tag's template (and any stored pattern's
// template payload) is parsed once, not once per Generate call. Pattern
// payload templates grow with the Learning Substrate over the life of a
// process, so the cache is bounded rather than an unbounded map.
var compiledTemplates, _ = lru.New[string, *template.Template](256)

// renderTemplate parameterizes raw (a text/template source string) with
// record and generationType. Parameterization is a pure function of its
// inputs: identical record, generationType, and template text always
// render to the identical prompt.
func renderTemplate(raw string, record domain.Record, generationType string) (string, error) {
	tmpl, ok := compiledTemplates.Get(raw)
	if !ok {
		parsed, err := template.New("prompt").Parse(raw)
		if err != nil {
			return "", fmt.Errorf("promptgen: parse template: %w", err)
		}
		tmpl = parsed
		compiledTemplates.Add(raw, tmpl)
	}

	encoded, err := json.MarshalIndent(map[string]any(record), "", "  ")
	if err != nil {
		return "", fmt.Errorf("promptgen: encode record: %w", err)
	}

	var buf bytes.Buffer
	data := templateData{Record: string(encoded), GenerationType: generationType}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("promptgen: execute template: %w", err)
	}
	return buf.String(), nil
}

// resolveContextTemplate looks up tag in templates, falling back to
// defaultTag (normally "generic") if tag is unrecognized.
func resolveContextTemplate(templates map[string]string, tag, defaultTag string) (string, bool) {
	if raw, ok := templates[tag]; ok {
		return raw, true
	}
	raw, ok := templates[defaultTag]
	return raw, ok
}
