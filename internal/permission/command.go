package permission

import (
	"bytes"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// navigationalCommands never need a grant of their own inside a chain.
var navigationalCommands = map[string]bool{
	"cd":    true,
	"pushd": true,
	"popd":  true,
}

// CommandFromInput normalizes an execute request's raw input into a single
// command line. It accepts a plain string, an argv slice, or a map carrying
// "command"/"cmd" (string or argv) plus optional "args".
func CommandFromInput(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return normalizeCommand(v)
	case []string:
		return normalizeCommand(joinArgv(v))
	case []any:
		argv := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				argv = append(argv, s)
			}
		}
		return normalizeCommand(joinArgv(argv))
	case map[string]any:
		for _, key := range []string{"command", "cmd"} {
			c, ok := v[key]
			if !ok {
				continue
			}
			cmd := CommandFromInput(c)
			if args := CommandFromInput(v["args"]); args != "" {
				cmd += " " + args
			}
			return normalizeCommand(cmd)
		}
	}
	return ""
}

// joinArgv joins an argv, unwrapping `sh -c "<script>"` style invocations.
func joinArgv(argv []string) string {
	if len(argv) >= 3 {
		shell := argv[0]
		if i := strings.LastIndex(shell, "/"); i >= 0 {
			shell = shell[i+1:]
		}
		switch shell {
		case "sh", "bash", "zsh":
			if flag := argv[len(argv)-2]; strings.HasPrefix(flag, "-") && strings.Contains(flag, "c") {
				return argv[len(argv)-1]
			}
		}
	}
	return strings.Join(argv, " ")
}

func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

// SplitCommandChain splits a command line on the chain separators `&&`, `||`
// and `;`. Pipelines stay intact. Unparseable input falls back to a
// quote-aware textual split.
func SplitCommandChain(cmd string) []string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return splitChainText(cmd)
	}

	printer := syntax.NewPrinter()
	var parts []string
	var collect func(stmt *syntax.Stmt)
	collect = func(stmt *syntax.Stmt) {
		if bin, ok := stmt.Cmd.(*syntax.BinaryCmd); ok && !stmt.Negated && !stmt.Background && len(stmt.Redirs) == 0 {
			if bin.Op == syntax.AndStmt || bin.Op == syntax.OrStmt {
				collect(bin.X)
				collect(bin.Y)
				return
			}
		}
		var buf bytes.Buffer
		if err := printer.Print(&buf, stmt); err != nil {
			return
		}
		if s := normalizeCommand(strings.TrimRight(buf.String(), "; \n")); s != "" {
			parts = append(parts, s)
		}
	}
	for _, stmt := range prog.Stmts {
		collect(stmt)
	}
	if len(parts) == 0 {
		return splitChainText(cmd)
	}
	return parts
}

// splitChainText splits on separators outside single or double quotes.
func splitChainText(cmd string) []string {
	var parts []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if s := normalizeCommand(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ';':
			flush()
		case (r == '&' || r == '|') && i+1 < len(runes) && runes[i+1] == r:
			flush()
			i++
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return parts
}

// LeadingToken returns the program name of a single command.
func LeadingToken(cmd string) string {
	fields := strings.Fields(cmd)
	for _, f := range fields {
		// Skip leading VAR=value assignments.
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "=") && !strings.ContainsAny(f, "/'\"") {
			continue
		}
		return f
	}
	return ""
}

// IsNavigational reports whether the command only changes directory.
func IsNavigational(cmd string) bool {
	return navigationalCommands[LeadingToken(cmd)]
}
