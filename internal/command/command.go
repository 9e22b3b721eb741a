// Package command extracts tool directives from model output.
//
// A directive is a single line that begins with the session's start
// marker, followed by a tool name and positional arguments joined by
// the session's separator:
//
//	YLDEXECUTE: cp ￥| notes.txt ￥| backup/notes.txt
//
// Parsing is pure: it never executes anything and never fails. A marker
// with nothing after it yields a Directive with an empty Tool, which
// the caller reports back to the model as a malformed command.
package command

import "strings"

// Directive is one tool invocation requested by the model.
type Directive struct {
	Tool string   `json:"tool"`
	Args []string `json:"args"`
}

// Valid reports whether the directive names a tool.
func (d Directive) Valid() bool {
	return d.Tool != ""
}

// String renders the directive for display, e.g. "cp | a.txt | b.txt".
func (d Directive) String() string {
	if len(d.Args) == 0 {
		return d.Tool
	}
	return d.Tool + " | " + strings.Join(d.Args, " | ")
}

// Parse returns every directive in text, in source order. Lines are
// trimmed before matching and the marker match is case-sensitive. An
// empty marker or separator yields no directives.
func Parse(text, marker, separator string) []Directive {
	if marker == "" || separator == "" || !strings.Contains(text, marker) {
		return nil
	}

	var out []Directive
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, marker)
		if !ok {
			continue
		}
		out = append(out, parseBody(strings.TrimSpace(rest), separator))
	}
	return out
}

func parseBody(body, separator string) Directive {
	if body == "" {
		return Directive{}
	}
	parts := strings.Split(body, separator)
	d := Directive{Tool: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		d.Args = make([]string, 0, len(parts)-1)
		for _, p := range parts[1:] {
			d.Args = append(d.Args, strings.TrimSpace(p))
		}
	}
	return d
}
