package rules

import (
	"strings"

	"github.com/miekg/dns"
)

// Index is the read-optimized structure built from a rule set. Domain rules
// live in a label-reversed trie so subdomain relationships become prefix
// relationships; regex rules are kept aside and consulted only when no
// domain rule matches. An Index is immutable after BuildIndex returns and
// is safe for concurrent Classify calls.
type Index struct {
	root    *node
	regexes []*Rule
	size    int
}

type node struct {
	children map[string]*node

	// exact is the rule anchored exactly at this node, covers the rule
	// whose wildcard covers all descendants of this node.
	exact  *Rule
	covers *Rule
}

// BuildIndex builds a fresh Index from rules. Later rules never displace an
// earlier rule of equal specificity unless they carry an Allow action:
// explicit allow encodes operator intent to unblock.
func BuildIndex(rules []Rule) *Index {
	idx := &Index{root: &node{}}

	for i := range rules {
		r := &rules[i]

		if r.Kind == KindRegex {
			idx.regexes = append(idx.regexes, r)
			idx.size++
			continue
		}

		n := idx.root
		labels := dns.SplitDomainName(r.Name)
		for j := len(labels) - 1; j >= 0; j-- {
			label := labels[j]
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child, ok := n.children[label]
			if !ok {
				child = &node{}
				n.children[label] = child
			}
			n = child
		}

		switch r.Kind {
		case KindExact:
			if place(&n.exact, r) {
				idx.size++
			}
		case KindWildcard:
			if place(&n.covers, r) {
				idx.size++
			}
		}
	}

	return idx
}

// place resolves equal-specificity conflicts: Allow overrides Block, the
// first rule wins otherwise.
func place(slot **Rule, r *Rule) bool {
	if *slot == nil {
		*slot = r
		return true
	}
	if (*slot).Action == ActionBlock && r.Action == ActionAllow {
		*slot = r
	}
	return false
}

// Len returns the number of distinct rules held by the index.
func (idx *Index) Len() int { return idx.size }

// Classify walks name's labels from the TLD down and returns the decision
// of the most specific matching rule. An exact match at the leaf beats any
// wildcard; among wildcards the deepest anchor wins. Names matching nothing
// in the trie fall through to the regex rules, then to Unmatched.
func (idx *Index) Classify(name string) Decision {
	qname := CanonicalName(name)
	labels := dns.SplitDomainName(qname)

	var best *Rule

	n := idx.root
	for i := len(labels) - 1; i >= 0; i-- {
		child := n.children[labels[i]]
		if child == nil {
			n = nil
			break
		}

		// a wildcard here covers the query only when deeper labels remain
		if i > 0 && child.covers != nil {
			best = child.covers
		}

		n = child
	}

	if n != nil && n.exact != nil {
		best = n.exact
	}

	if best == nil {
		host := strings.TrimSuffix(qname, ".")
		for _, r := range idx.regexes {
			if r.Expr.MatchString(host) {
				best = r
				break
			}
		}
	}

	if best == nil {
		return Decision{Verdict: VerdictUnmatched}
	}

	verdict := VerdictBlock
	if best.Action == ActionAllow {
		verdict = VerdictAllow
	}

	return Decision{Verdict: verdict, Rule: best}
}
