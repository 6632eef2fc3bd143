// Package rules implements the blocklist rule grammar, the parsed rule set
// and the domain index used to classify query names.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// Action is what a rule does to a matching query name.
type Action uint8

const (
	// ActionBlock answers matching queries with the sinkhole response.
	ActionBlock Action = iota
	// ActionAllow exempts matching queries from blocking.
	ActionAllow
)

func (a Action) String() string {
	if a == ActionAllow {
		return "allow"
	}
	return "block"
}

// Kind is the pattern form of a rule.
type Kind uint8

const (
	// KindExact matches the domain itself.
	KindExact Kind = iota
	// KindWildcard matches all descendants of the domain, not the domain.
	KindWildcard
	// KindRegex matches names against a compiled expression.
	KindRegex
)

// Rule is a single parsed directive. Rules are immutable once parsed.
type Rule struct {
	// Name is the canonical form of the domain (lowercase, fqdn).
	// Empty for regex rules.
	Name string
	Kind Kind
	// Expr is the compiled pattern, regex rules only.
	Expr *regexp.Regexp
	// Action taken on match.
	Action Action
	// List identifies the source list, Line the 1-based source line.
	List string
	Line int
}

func (r *Rule) String() string {
	name := r.Name
	switch r.Kind {
	case KindWildcard:
		name = "*." + name
	case KindRegex:
		name = "/" + r.Expr.String() + "/"
	}
	return fmt.Sprintf("%s %s (%s:%d)", r.Action, name, r.List, r.Line)
}

// Diagnostic reports one malformed rule line. It never aborts list parsing.
type Diagnostic struct {
	List   string
	Line   int // 1-based
	Column int // 1-based
	Length int
	Source string // original source line
	Msg    string
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", d.List, d.Line, d.Column, d.Msg)
}

// Render returns the diagnostic with a caret annotation against the
// original source line.
func (d Diagnostic) Render() string {
	length := d.Length
	if length < 1 {
		length = 1
	}

	var sb strings.Builder
	sb.WriteString(d.Error())
	sb.WriteByte('\n')
	sb.WriteString(d.Source)
	sb.WriteByte('\n')
	sb.WriteString(strings.Repeat(" ", d.Column-1))
	sb.WriteString(strings.Repeat("^", length))

	return sb.String()
}

// Verdict is the classification outcome for a query name.
type Verdict uint8

const (
	// VerdictUnmatched means no rule covers the name, resolution proceeds.
	VerdictUnmatched Verdict = iota
	// VerdictBlock means a block rule matched.
	VerdictBlock
	// VerdictAllow means an allow rule matched.
	VerdictAllow
)

func (v Verdict) String() string {
	switch v {
	case VerdictBlock:
		return "block"
	case VerdictAllow:
		return "allow"
	}
	return "unmatched"
}

// Decision carries the verdict and the winning rule, if any.
type Decision struct {
	Verdict Verdict
	Rule    *Rule
}

// CanonicalName returns the lowercase fqdn form used across the package.
func CanonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}
