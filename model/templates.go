package model

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Template is a reusable notification body with {placeholder} markers.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Channel   Channel   `json:"channel"`
	Priority  Priority  `json:"priority"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

var (
	placeholderPattern = regexp.MustCompile(`\{[A-Za-z0-9_]+\}`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]*>`)
)

// RenderResult is the outcome of substituting placeholders into a template.
type RenderResult struct {
	Title      string
	Message    string
	Unresolved []string
}

// Render substitutes {key} placeholders in the template's title and message. Placeholders with no
// value are removed and reported in Unresolved. HTML tags are stripped from the message when the
// target channel is in-app.
func (t *Template) Render(values map[string]string, channel Channel) RenderResult {
	unresolved := map[string]bool{}

	substitute := func(text string) string {
		for key, value := range values {
			text = strings.ReplaceAll(text, "{"+key+"}", value)
		}
		return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
			unresolved[strings.Trim(match, "{}")] = true
			return ""
		})
	}

	result := RenderResult{
		Title:   strings.TrimSpace(substitute(t.Title)),
		Message: strings.TrimSpace(substitute(t.Message)),
	}
	if channel == ChannelInApp {
		result.Message = strings.TrimSpace(htmlTagPattern.ReplaceAllString(result.Message, ""))
	}
	for key := range unresolved {
		result.Unresolved = append(result.Unresolved, key)
	}
	sort.Strings(result.Unresolved)

	return result
}
