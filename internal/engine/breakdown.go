package engine

import (
	"context"
	"fmt"
	"strings"
)

// TemplateBreakdown is the built-in BreakdownFunc. It splits a multi-line
// description into one subtask per line, falling back to a generic
// plan/do/review skeleton when the description gives nothing to work with.
// Deployments with a model endpoint swap in their own BreakdownFunc instead.
func TemplateBreakdown(_ context.Context, title, description string) ([]string, error) {
	var titles []string
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
		if line == "" {
			continue
		}
		titles = append(titles, line)
	}
	if len(titles) >= 2 {
		return titles, nil
	}
	title = strings.TrimSpace(title)
	return []string{
		fmt.Sprintf("Plan out %q", title),
		fmt.Sprintf("Do the core work for %q", title),
		fmt.Sprintf("Review and finish %q", title),
	}, nil
}
