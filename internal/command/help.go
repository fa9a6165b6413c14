package command

import "strings"

// HelpTable renders the boxed command table. filter limits it to one command
// (case-insensitive); ok is false when nothing matched.
func (r *Registry) HelpTable(filter string) (string, bool) {
	filter = strings.TrimSpace(filter)
	type row struct{ cmd, desc string }
	var rows []row
	for _, c := range r.Commands() {
		if filter != "" && !strings.EqualFold(c.Name, filter) {
			continue
		}
		rows = append(rows, row{strings.TrimSpace(c.Name + " " + c.Usage), c.Description})
	}
	if len(rows) == 0 {
		return "", false
	}

	const cmdHeader, descHeader = "Command", "Description"
	cmdW, descW := len(cmdHeader), len(descHeader)
	for _, rw := range rows {
		cmdW = max(cmdW, len(rw.cmd))
		descW = max(descW, len(rw.desc))
	}
	cmdW += 2
	descW += 2

	header := "+" + strings.Repeat("=", cmdW) + "+" + strings.Repeat("=", descW) + "+"
	divider := "+" + strings.Repeat("-", cmdW) + "+" + strings.Repeat("-", descW) + "+"
	line := func(a, b string) string {
		return "| " + a + strings.Repeat(" ", cmdW-len(a)-1) + "| " + b + strings.Repeat(" ", descW-len(b)-1) + "|"
	}

	out := []string{header, line(cmdHeader, descHeader), header}
	for i, rw := range rows {
		if i > 0 {
			out = append(out, divider)
		}
		out = append(out, line(rw.cmd, rw.desc))
	}
	out = append(out, header)
	return strings.Join(out, "\n"), true
}
