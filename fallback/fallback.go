// Package fallback is the built-in approximate interpreter used when the
// real runtime is unavailable or fails.
//
// It is a rule matcher over source lines, not an evaluator. Each line is
// classified by the first rule in [Rules] that accepts it:
//
//	PrintLiteral  print("text") or print('text')       -> "text"
//	Assignment    name = value  (contains "=" not "==") -> nothing
//	CountingLoop  for i in range(N): print(i)           -> 0..min(N,10)-1
//	Unmatched     anything else                         -> nothing
//
// A program that produces no lines yields [GenericMessage]. Variables are
// never tracked, expressions are never evaluated and nested control flow is
// not understood.
package fallback

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxIterations caps the lines a counting loop may emit.
const MaxIterations = 10

// GenericMessage is the output of a program that matched no output rule.
const GenericMessage = "Code executed successfully (simulated)"

// Kind tags the rule that classified a line.
type Kind int

const (
	PrintLiteral Kind = iota
	Assignment
	CountingLoop
	Unmatched
)

func (k Kind) String() string {
	switch k {
	case PrintLiteral:
		return "print-literal"
	case Assignment:
		return "assignment"
	case CountingLoop:
		return "counting-loop"
	default:
		return "unmatched"
	}
}

// Match is one classified statement.
type Match struct {
	Kind   Kind
	Line   int // 1-based line of the statement's first line
	Source string
	Output []string
}

// Rule classifies the statement starting at lines[i]. It returns the match
// and the number of lines consumed, or ok=false to let the next rule try.
type Rule struct {
	Kind  Kind
	Apply func(lines []string, i int) (m Match, consumed int, ok bool)
}

var (
	printLiteralRe = regexp.MustCompile(`^print\(\s*(?:"([^"]*)"|'([^']*)')\s*\)\s*;?$`)
	printCallRe    = regexp.MustCompile(`^print\((.*)\)\s*;?$`)
	loopRe         = regexp.MustCompile(`^for\s+([A-Za-z_]\w*)\s+in\s+range\(\s*(\d+)\s*\)\s*:\s*(.*)$`)
	stringLitRe    = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// Rules returns the ordered rule list. The final rule always matches.
func Rules() []Rule {
	return []Rule{
		{Kind: CountingLoop, Apply: matchCountingLoop},
		{Kind: PrintLiteral, Apply: matchPrintLiteral},
		{Kind: Assignment, Apply: matchAssignment},
		{Kind: Unmatched, Apply: matchUnmatched},
	}
}

// Interpreter evaluates a rule list line by line.
type Interpreter struct {
	rules []Rule
}

// New returns an Interpreter using [Rules].
func New() *Interpreter {
	return &Interpreter{rules: Rules()}
}

var std = New()

// Simulate runs code through the default interpreter.
func Simulate(code string) string { return std.Simulate(code) }

// Analyze classifies code with the default interpreter.
func Analyze(code string) []Match { return std.Analyze(code) }

// Simulate returns the approximate output of code, one newline-terminated
// line per emitted value. It never panics and never returns "".
func (in *Interpreter) Simulate(code string) (out string) {
	defer func() {
		if recover() != nil {
			out = GenericMessage + "\n"
		}
	}()

	var lines []string
	for _, m := range in.Analyze(code) {
		lines = append(lines, m.Output...)
	}
	if len(lines) == 0 {
		return GenericMessage + "\n"
	}
	return strings.Join(lines, "\n") + "\n"
}

// Analyze classifies every statement in code. Blank lines and comments are
// skipped.
func (in *Interpreter) Analyze(code string) []Match {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")

	var matches []Match
	for i := 0; i < len(lines); {
		if skippable(lines[i]) {
			i++
			continue
		}
		consumed := 1
		for _, rule := range in.rules {
			m, n, ok := rule.Apply(lines, i)
			if !ok {
				continue
			}
			m.Kind = rule.Kind
			m.Line = i + 1
			matches = append(matches, m)
			if n > 1 {
				consumed = n
			}
			break
		}
		i += consumed
	}
	return matches
}

func skippable(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

func matchPrintLiteral(lines []string, i int) (Match, int, bool) {
	stmt := statement(lines[i])
	idx := printLiteralRe.FindStringSubmatchIndex(stmt)
	if idx == nil {
		return Match{}, 0, false
	}
	var text string
	switch {
	case idx[2] >= 0:
		text = stmt[idx[2]:idx[3]]
	case idx[4] >= 0:
		text = stmt[idx[4]:idx[5]]
	}
	return Match{Source: stmt, Output: []string{text}}, 1, true
}

func matchAssignment(lines []string, i int) (Match, int, bool) {
	stmt := statement(lines[i])
	if !strings.Contains(stmt, "=") || strings.Contains(stmt, "==") {
		return Match{}, 0, false
	}
	return Match{Source: stmt}, 1, true
}

func matchUnmatched(lines []string, i int) (Match, int, bool) {
	return Match{Source: statement(lines[i])}, 1, true
}

// matchCountingLoop accepts "for v in range(N):" whose body prints v or a
// single string literal, either inline after the colon or as the following
// indented block.
func matchCountingLoop(lines []string, i int) (Match, int, bool) {
	header := lines[i]
	sub := loopRe.FindStringSubmatch(statement(header))
	if sub == nil {
		return Match{}, 0, false
	}
	loopVar, inline := sub[1], strings.TrimSpace(sub[3])

	var body []string
	consumed := 1
	if inline != "" {
		body = []string{inline}
	} else {
		base := indentOf(header)
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "" {
				consumed++
				continue
			}
			if indentOf(lines[j]) <= base {
				break
			}
			body = append(body, statement(lines[j]))
			consumed++
		}
	}

	if !printsCounter(body, loopVar) {
		return Match{}, 0, false
	}

	n, err := strconv.Atoi(sub[2])
	if err != nil || n > MaxIterations {
		n = MaxIterations
	}
	out := make([]string, 0, n)
	for k := range n {
		out = append(out, strconv.Itoa(k))
	}
	return Match{Source: statement(header), Output: out}, trimTrailingBlank(lines, i, consumed), true
}

// printsCounter reports whether some body statement is a print call whose
// arguments mention v outside of string literals, or a print of a single
// string literal such as a counting label.
func printsCounter(body []string, v string) bool {
	word := regexp.MustCompile(`\b` + regexp.QuoteMeta(v) + `\b`)
	for _, stmt := range body {
		if printLiteralRe.MatchString(stmt) {
			return true
		}
		sub := printCallRe.FindStringSubmatch(stmt)
		if sub == nil {
			continue
		}
		if word.MatchString(stripLiterals(sub[1])) {
			return true
		}
	}
	return false
}

// stripLiterals removes plain string literals from s. f-strings are kept
// since their placeholders name variables.
func stripLiterals(s string) string {
	var b strings.Builder
	last := 0
	for _, loc := range stringLitRe.FindAllStringIndex(s, -1) {
		if loc[0] > 0 && (s[loc[0]-1] == 'f' || s[loc[0]-1] == 'F') {
			continue
		}
		b.WriteString(s[last:loc[0]])
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// statement returns line without surrounding space or a trailing comment.
// A '#' inside a string literal does not start a comment.
func statement(line string) string {
	var quote rune
	for k, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '#':
			return strings.TrimSpace(line[:k])
		}
	}
	return strings.TrimSpace(line)
}

// trimTrailingBlank stops a loop from swallowing blank lines after its body
// so line numbers of following statements stay exact.
func trimTrailingBlank(lines []string, i, consumed int) int {
	for consumed > 1 && strings.TrimSpace(lines[i+consumed-1]) == "" {
		consumed--
	}
	return consumed
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}
