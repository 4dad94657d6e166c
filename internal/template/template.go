// Package template expands per-host placeholders in the command line,
// so one invocation can run host-specific variants of a command.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cwt/ananta/internal/hosts"
)

// Context is the data available inside a command template.
type Context struct {
	Name string   // host alias
	Host string   // address
	Port int      // SSH port
	User string   // login user
	Tags []string // host tags
}

// HasPlaceholders reports whether the command contains template syntax;
// plain commands skip the template pass entirely.
func HasPlaceholders(command string) bool {
	return strings.Contains(command, "{{")
}

// Validate parses the command template without executing it, so a
// syntax error is caught before any host is contacted.
func Validate(command string) error {
	if !HasPlaceholders(command) {
		return nil
	}
	if _, err := template.New("command").Funcs(funcMap()).Parse(command); err != nil {
		return fmt.Errorf("failed to parse command template: %w", err)
	}
	return nil
}

// Render expands the command template for one host.
func Render(command string, rec hosts.Record) (string, error) {
	tmpl, err := template.New("command").Funcs(funcMap()).Parse(command)
	if err != nil {
		return "", fmt.Errorf("failed to parse command template: %w", err)
	}

	ctx := Context{
		Name: rec.Name,
		Host: rec.Address,
		Port: rec.Port,
		User: rec.User,
		Tags: rec.Tags,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to execute command template for %s: %w", rec.Name, err)
	}
	return buf.String(), nil
}

func funcMap() template.FuncMap {
	titleCaser := cases.Title(language.English)
	return template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": titleCaser.String,
		"join":  strings.Join,
	}
}
