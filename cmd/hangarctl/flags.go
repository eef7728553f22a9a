package main

import (
	"fmt"
	"strings"
)

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// parseAssignments turns K=V arguments into a map. Values may contain '='.
func parseAssignments(items []string) (map[string]string, error) {
	out := make(map[string]string, len(items))
	for _, item := range items {
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", item)
		}
		out[key] = value
	}
	return out, nil
}

// revealAllowed decides whether a secret may be written to stdout. Terminals
// always get it; pipes and files only with an explicit --reveal.
func revealAllowed(stdoutIsTerminal, reveal bool) bool {
	return stdoutIsTerminal || reveal
}
