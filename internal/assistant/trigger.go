package assistant

import "strings"

// Marker is the in-band token that summons the assistant. Replies carry it
// too so clients can attribute them.
const Marker = "**@CodeBot**"

// DetectTrigger reports whether content addresses the assistant and returns
// the prompt with every marker removed.
func DetectTrigger(content string) (string, bool) {
	if !strings.Contains(content, Marker) {
		return "", false
	}

	prompt := strings.TrimSpace(strings.ReplaceAll(content, Marker, ""))
	if prompt == "" {
		return "", false
	}

	return prompt, true
}
