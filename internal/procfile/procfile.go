// Package procfile parses Procfiles: one process definition per line,
// "name: [env K=V ...] command", with trailing-backslash continuation.
package procfile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cabotage/cabotage-app/internal/domain"
)

var lineRE = regexp.MustCompile(`^(?P<process_type>.+?):\s*(?:env(?P<environment>(?:\s+.+?=.+?)+)\s+)?(?P<command>.+)$`)

// Parse parses Procfile content into a map of process name to its
// command and per-process environment. Duplicate process names and
// duplicate variables within one entry are rejected; all violations
// are reported together in a single error.
func Parse(content string) (map[string]domain.Process, error) {
	type entry struct {
		line    int
		name    string
		process domain.Process
	}
	var entries []entry
	for _, grouped := range groupLines(strings.Split(content, "\n")) {
		if strings.TrimSpace(grouped.text) == "" {
			continue
		}
		name, proc, err := parseLine(grouped.text)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{line: grouped.start, name: name, process: proc})
	}

	var errs []string
	seen := make(map[string]int)
	for _, e := range entries {
		if first, ok := seen[e.name]; ok {
			errs = append(errs, fmt.Sprintf("line %d: duplicate process type %q: already appears on line %d", e.line+1, e.name, first+1))
			continue
		}
		seen[e.name] = e.line
	}
	for _, e := range entries {
		vars := make(map[string]bool)
		for _, kv := range e.process.Environment {
			if vars[kv[0]] {
				errs = append(errs, fmt.Sprintf("line %d: duplicate variable %q for process type %q", e.line+1, kv[0], e.name))
				continue
			}
			vars[kv[0]] = true
		}
	}
	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}

	out := make(map[string]domain.Process, len(entries))
	for _, e := range entries {
		out[e.name] = e.process
	}
	return out, nil
}

type groupedLine struct {
	start int
	text  string
}

// groupLines joins physical lines ending in a backslash into one
// logical line, recording the index of the first physical line.
func groupLines(lines []string) []groupedLine {
	var out []groupedLine
	start, group := 0, []string{}
	for i, line := range lines {
		if strings.HasSuffix(strings.TrimRight(line, " \t"), `\`) {
			trimmed := strings.TrimRight(line, " \t")
			group = append(group, trimmed[:len(trimmed)-1])
			continue
		}
		if len(group) > 0 {
			group = append(group, strings.TrimLeft(line, " \t"))
		} else {
			group = append(group, line)
		}
		out = append(out, groupedLine{start: start, text: strings.Join(group, "")})
		start, group = i+1, nil
	}
	if len(group) > 0 {
		out = append(out, groupedLine{start: start, text: strings.Join(group, "")})
	}
	return out
}

func parseLine(line string) (string, domain.Process, error) {
	line = strings.TrimSpace(line)
	m := lineRE.FindStringSubmatch(line)
	if m == nil {
		return "", domain.Process{}, fmt.Errorf("invalid procfile line %q", line)
	}
	name, envPart, command := m[1], m[2], m[3]

	var env [][2]string
	for _, variable := range strings.Fields(envPart) {
		k, v, ok := strings.Cut(variable, "=")
		if !ok {
			return "", domain.Process{}, fmt.Errorf("invalid procfile line %q", line)
		}
		env = append(env, [2]string{k, v})
	}
	return name, domain.Process{Command: command, Environment: env}, nil
}
