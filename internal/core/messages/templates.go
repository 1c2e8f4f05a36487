package messages

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/**/*.html
var templateFiles embed.FS

const DefaultLocale = "es"

var supportedLocales = []string{"es", "en"}

// Template names
const (
	Confirmation    = "confirmation"
	Unreadable      = "unreadable"
	UnknownMerchant = "unknown_merchant"
	Duplicate       = "duplicate"
	Failure         = "failure"
	Received        = "received"
	Welcome         = "welcome"
)

type TemplateManager struct {
	templates map[string]*template.Template
}

func NewTemplateManager() (*TemplateManager, error) {
	tm := &TemplateManager{
		templates: make(map[string]*template.Template),
	}

	funcMap := template.FuncMap{
		"join": strings.Join,
	}

	for _, locale := range supportedLocales {
		pattern := fmt.Sprintf("templates/%s/*.html", locale)
		tmpl, err := template.New("").Funcs(funcMap).ParseFS(templateFiles, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to parse templates for locale %s: %w", locale, err)
		}
		tm.templates[locale] = tmpl
	}

	return tm, nil
}

// Render executes a named template, falling back to the default locale.
func (tm *TemplateManager) Render(name, locale string, data any) (string, error) {
	tmpl, exists := tm.templates[locale]
	if !exists {
		locale = DefaultLocale
		tmpl = tm.templates[locale]
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name+".html", data); err != nil {
		return "", fmt.Errorf("failed to execute template %s for locale %s: %w", name, locale, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// IsLocaleSupported checks if a locale is supported
func (tm *TemplateManager) IsLocaleSupported(locale string) bool {
	_, exists := tm.templates[locale]
	return exists
}
