package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportMarkdown renders a run and its events as a markdown document.
func ExportMarkdown(r *Run, events []Event) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Source:** %s\n", r.Source))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
	b.WriteString(fmt.Sprintf("- **Stage:** %s\n", r.Stage))
	if r.ContainerID != "" {
		b.WriteString(fmt.Sprintf("- **Container:** %s\n", r.ContainerID))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", r.CreatedAt.Format("2006-01-02 15:04:05")))
	if r.Error != "" {
		b.WriteString(fmt.Sprintf("- **Error:** %s\n", r.Error))
	}
	b.WriteString("\n---\n\n")

	b.WriteString("## Events\n\n")
	for _, e := range events {
		b.WriteString(fmt.Sprintf("%d. `%s` %s: %s\n", e.Seq, e.Stage, e.At.Format("15:04:05.000"), e.Message))
	}
	b.WriteString("\n")

	if len(r.Result) > 0 {
		b.WriteString(fmt.Sprintf("## Alive SSNs (%d)\n\n", len(r.Result)))
		for _, ssn := range r.Result {
			b.WriteString(fmt.Sprintf("- %s\n", ssn))
		}
		b.WriteString("\n")
	}

	if r.Submission != "" {
		b.WriteString(fmt.Sprintf("## Submission\n\n```\n%s\n```\n", r.Submission))
	}

	return b.String()
}

type runExport struct {
	Run    *Run    `json:"run" yaml:"run"`
	Events []Event `json:"events" yaml:"events"`
}

// ExportJSON renders a run and its events as formatted JSON.
func ExportJSON(r *Run, events []Event) ([]byte, error) {
	return json.MarshalIndent(runExport{Run: r, Events: events}, "", "  ")
}

// ExportYAML renders a run and its events as YAML.
func ExportYAML(r *Run, events []Event) ([]byte, error) {
	return yaml.Marshal(runExport{Run: r, Events: events})
}
