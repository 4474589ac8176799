package sandbox

import (
	"fmt"
	"strings"

	"go.starlark.net/syntax"
)

// Tier selects which restricted-surface blocklists apply to a fragment.
type Tier int

const (
	// Strict is for arbitrary user code invoked from the retrieval gateway:
	// no module loading at all.
	Strict Tier = iota
	// REPL is for the recursion engine's executor: Validate accepts load() of
	// any module not in blockedModulesREPL, but restrictedLoad registers no
	// module, so such a load still fails at run time. No file-read builtin
	// is provided.
	REPL
)

func (t Tier) String() string {
	if t == Strict {
		return "strict"
	}
	return "repl"
}

// blockedBuiltins are call targets disallowed in both tiers: eval-equivalents
// and anything that could escape the sandbox.
var blockedBuiltins = map[string]struct{}{
	"eval":    {},
	"exec":    {},
	"compile": {},
	"input":   {},
}

// blockedAttrs are attribute names whose traversal (x.attr) is disallowed in
// both tiers: dunder-style escape hatches and dynamic introspection.
var blockedAttrs = map[string]struct{}{
	"__class__":    {},
	"__bases__":    {},
	"__subclasses__": {},
	"__globals__":  {},
	"__dict__":     {},
	"__import__":   {},
}

// The strict tier has no module list: it forbids module loading entirely,
// so Validate rejects any LoadStmt node in that tier regardless of name.
//
// blockedModulesREPL is the explicit blocklist applied when the REPL tier
// otherwise permits load().
var blockedModulesREPL = map[string]struct{}{
	"os":      {},
	"net":     {},
	"socket":  {},
	"subprocess": {},
	"sys":     {},
}

// rejection records one validator finding; Validate returns the first one it
// encounters wrapped in ErrValidatorRejected.
type rejection struct {
	reason string
}

func (r rejection) Error() string { return r.reason }

// Validate parses src as a Starlark file and walks its native syntax.Node
// tree, rejecting any load() of a blocked module (or any load() at all in
// Strict tier), any call of a blocked builtin, and any attribute traversal
// into a restricted name. A syntax error is itself a rejection: nothing
// executes unless it parses cleanly.
func Validate(tier Tier, src string) error {
	f, err := syntax.Parse("repl.star", src, 0)
	if err != nil {
		return fmt.Errorf("%w: parse error: %v", ErrValidatorRejected, err)
	}

	var rej *rejection
	visit := func(n syntax.Node) bool {
		if rej != nil {
			return false
		}
		switch node := n.(type) {
		case *syntax.LoadStmt:
			if tier == Strict {
				rej = &rejection{reason: "load() is not permitted in strict tier"}
				return false
			}
			if name, ok := moduleName(node); ok {
				if _, blocked := blockedModulesREPL[name]; blocked {
					rej = &rejection{reason: fmt.Sprintf("load of module %q is blocked", name)}
					return false
				}
			}
		case *syntax.CallExpr:
			if id, ok := node.Fn.(*syntax.Ident); ok {
				if _, blocked := blockedBuiltins[id.Name]; blocked {
					rej = &rejection{reason: fmt.Sprintf("call to %q is blocked", id.Name)}
					return false
				}
			}
		case *syntax.DotExpr:
			if node.Name != nil {
				if _, blocked := blockedAttrs[node.Name.Name]; blocked {
					rej = &rejection{reason: fmt.Sprintf("attribute access %q is blocked", node.Name.Name)}
					return false
				}
			}
		}
		return true
	}

	syntax.Walk(f, visit)
	if rej != nil {
		return fmt.Errorf("%w: %s", ErrValidatorRejected, rej.reason)
	}
	return nil
}

// moduleName extracts the literal module path from a load() statement, if
// it is a plain string literal (the only form this validator understands;
// anything else is left to the resolver to reject at runtime).
func moduleName(stmt *syntax.LoadStmt) (string, bool) {
	if stmt.Module == nil {
		return "", false
	}
	s, ok := stmt.Module.Value.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(s, "./"), ".star"), true
}
