// Package parsing implements component H: fenced code-block extraction,
// FINAL/FINAL_VAR textual detection, the execution-result pretty-printer,
// and the root system-prompt builder.
package parsing

import (
	"fmt"
	"sort"
	"strings"
)

// CanonicalFenceTag is the only language tag the engine treats as
// executable. Any other fence tag (python, text, ...) is inert.
const CanonicalFenceTag = "repl"

// CodeBlock is one fenced region tagged with CanonicalFenceTag, in source
// order.
type CodeBlock struct {
	Code     string
	StartPos int
	EndPos   int
}

type fence struct {
	lang     string
	body     string
	startPos int
	endPos   int
}

// ExtractCodeBlocks finds every fenced region tagged CanonicalFenceTag and
// returns them in source order. Fences with any other language tag (or no
// tag) are skipped but still excluded from FINAL detection's non-fenced
// scan.
func ExtractCodeBlocks(output string) []CodeBlock {
	fences := scanFences(output)
	blocks := make([]CodeBlock, 0, len(fences))
	for _, f := range fences {
		if f.lang != CanonicalFenceTag {
			continue
		}
		blocks = append(blocks, CodeBlock{Code: f.body, StartPos: f.startPos, EndPos: f.endPos})
	}
	return blocks
}

// scanFences walks output looking for ``` delimited regions, returning each
// one (whatever its language tag) with its byte span so callers can both
// extract executable blocks and mask fenced regions out of later scans.
func scanFences(output string) []fence {
	const delim = "```"
	var fences []fence
	pos := 0
	for {
		start := strings.Index(output[pos:], delim)
		if start < 0 {
			break
		}
		start += pos
		afterOpen := start + len(delim)
		lineEnd := strings.IndexByte(output[afterOpen:], '\n')
		if lineEnd < 0 {
			break // unterminated fence marker, nothing more to find
		}
		lang := strings.TrimSpace(output[afterOpen : afterOpen+lineEnd])
		bodyStart := afterOpen + lineEnd + 1
		closeRel := strings.Index(output[bodyStart:], delim)
		if closeRel < 0 {
			break // unterminated fence, ignore the dangling open marker
		}
		bodyEnd := bodyStart + closeRel
		end := bodyEnd + len(delim)
		fences = append(fences, fence{
			lang:     lang,
			body:     output[bodyStart:bodyEnd],
			startPos: start,
			endPos:   end,
		})
		pos = end
	}
	return fences
}

// maskFencedRegions replaces every fenced region's contents with spaces
// (preserving length and newlines so byte offsets stay meaningful) so a
// textual FINAL(...) scan never fires on an example embedded in a fence.
func maskFencedRegions(output string, fences []fence) string {
	if len(fences) == 0 {
		return output
	}
	b := []byte(output)
	for _, f := range fences {
		for i := f.startPos; i < f.endPos && i < len(b); i++ {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
	}
	return string(b)
}

// DetectFinal scans the non-fenced portion of output for a greedy, balanced
// FINAL(...) call and returns its argument text. Malformed forms (FINAL(
// without a matching close, or a bare FINAL with no parens) yield ok=false.
func DetectFinal(output string) (value string, ok bool) {
	return detectCall(output, "FINAL")
}

// DetectFinalVar scans the non-fenced portion of output for a FINAL_VAR(...)
// call and returns its (unparsed, still-quoted) argument text.
func DetectFinalVar(output string) (arg string, ok bool) {
	return detectCall(output, "FINAL_VAR")
}

func detectCall(output, name string) (string, bool) {
	masked := maskFencedRegions(output, scanFences(output))
	idx := strings.Index(masked, name+"(")
	if idx < 0 {
		return "", false
	}
	openParen := idx + len(name)
	depth := 0
	for i := openParen; i < len(masked); i++ {
		switch masked[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return strings.TrimSpace(masked[openParen+1 : i]), true
			}
		}
	}
	return "", false // unbalanced: no closing paren found
}

// ExecutionResult is the pretty-printer's input: one code block's outcome
// plus the namespace's bound variables after it ran (helpers and context
// excluded per §4.F's prompt-composition rule).
type ExecutionResult struct {
	Code      string
	Stdout    string
	Stderr    string
	Error     bool
	BoundVars map[string]string
}

// FormatExecutionResult renders one code block's outcome the way the
// recursion engine feeds it back into the next iteration's prompt: stdout,
// stderr (only if non-empty or errored), and a stable, sorted dump of bound
// variables.
func FormatExecutionResult(r ExecutionResult) string {
	var b strings.Builder
	b.WriteString("```repl\n")
	b.WriteString(r.Code)
	if !strings.HasSuffix(r.Code, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("```\n")

	b.WriteString("stdout:\n")
	if r.Stdout == "" {
		b.WriteString("(empty)\n")
	} else {
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}

	if r.Error || r.Stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}

	if len(r.BoundVars) > 0 {
		b.WriteString("bound variables:\n")
		names := make([]string, 0, len(r.BoundVars))
		for name := range r.BoundVars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %s = %s\n", name, r.BoundVars[name])
		}
	}
	return b.String()
}

// FormatBoundVariables renders a standalone "bound variables" block the
// engine appends once per iteration prompt to summarize the REPL namespace's
// current state (helpers and context already excluded by the caller).
func FormatBoundVariables(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current bound variables:\n")
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %s = %s\n", name, vars[name])
	}
	return b.String()
}

// SystemPromptParams parameterizes the root system prompt.
type SystemPromptParams struct {
	WorkspaceRoot string
	CustomTools   []string
}

// BuildSystemPrompt assembles the root system prompt from plain string
// concatenation: a templating library is unwarranted for fixed, parameterized
// prose (see DESIGN.md).
func BuildSystemPrompt(p SystemPromptParams) string {
	var b strings.Builder
	b.WriteString("You solve problems by writing short Starlark programs against a persistent REPL.\n")
	b.WriteString("Every program you want executed must appear in a fenced code block tagged `")
	b.WriteString(CanonicalFenceTag)
	b.WriteString("`. Only blocks with that exact tag run; any other fence is inert.\n\n")

	b.WriteString("A variable named `context` is already bound in the REPL namespace and holds the\n")
	b.WriteString("full input you were given. Read from it; do not expect it to be repeated in this prompt.\n\n")

	b.WriteString("Two calls let you delegate to another language model from inside your program:\n")
	b.WriteString("  llm_query(prompt, model=None) -> str\n")
	b.WriteString("  llm_query_batched(prompts, model=None) -> list[str]\n")
	b.WriteString("Both block until a result is available. llm_query raises an error when its\n")
	b.WriteString("sub-call fails (for example when the sub-call budget is exhausted);\n")
	b.WriteString("llm_query_batched puts an explanatory error string in place of each failed result.\n\n")

	b.WriteString("When you have the final answer, call one of:\n")
	b.WriteString("  FINAL(value)        # value is stringified and returned as the answer\n")
	b.WriteString("  FINAL_VAR(\"name\")   # resolves `name` from the REPL namespace and returns it\n")
	b.WriteString("Either ends the run. Until you call one of them, you will be shown the stdout,\n")
	b.WriteString("stderr, and bound variables from your code and asked to continue.\n")

	if p.WorkspaceRoot != "" {
		fmt.Fprintf(&b, "\nThe workspace root for this turn is %s. File and search tools only ever see paths under it.\n", p.WorkspaceRoot)
	}
	if len(p.CustomTools) > 0 {
		b.WriteString("\nAdditional callables available in this namespace: ")
		b.WriteString(strings.Join(p.CustomTools, ", "))
		b.WriteString(".\n")
	}
	return b.String()
}
