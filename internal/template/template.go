// Package template renders message templates against spreadsheet rows.
//
// Templates use mustache syntax: {{field}} is replaced by the value of
// the homonymous spreadsheet column. Fields that do not exist in the row
// render as the empty string, so a typo never aborts a campaign.
package template

import (
	"fmt"

	"github.com/cbroglie/mustache"
)

// Template is a parsed message template, reusable across rows.
type Template struct {
	src string
	t   *mustache.Template
}

// Parse compiles a template string. Syntax errors are returned up front
// so invalid templates are rejected before any message is built.
func Parse(src string) (*Template, error) {
	t, err := mustache.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return &Template{src: src, t: t}, nil
}

// Source returns the original template string.
func (t *Template) Source() string { return t.src }

// Render substitutes the row values into the template.
func (t *Template) Render(row map[string]string) (string, error) {
	out, err := t.t.Render(row)
	if err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return out, nil
}

// Render is a one-shot parse-and-render, used for previews.
func Render(src string, row map[string]string) (string, error) {
	t, err := Parse(src)
	if err != nil {
		return "", err
	}
	return t.Render(row)
}
