package rules

import (
	"bytes"
	"net"
	"regexp"
	"strings"
)

// Parse tokenizes and parses one rule list. It is a pure function over the
// source text: malformed lines become diagnostics and are skipped, every
// well-formed line still yields rules. defaultAction applies to lines
// without an explicit action prefix.
//
// Accepted per line: an optional @allow/@block prefix, then a domain token
// in literal, *.wildcard, leading-dot, ||domain^ or /regex/ form, or a
// hosts-file entry (address followed by one or more hostnames). Comments
// start with # or ! and run to end of line.
func Parse(src []byte, listID string, defaultAction Action) ([]Rule, []Diagnostic) {
	var (
		out   []Rule
		diags []Diagnostic
	)

	p := &parser{list: listID, action: defaultAction}

	lineno := 0
	for len(src) > 0 {
		lineno++

		line := src
		if i := bytes.IndexByte(src, '\n'); i >= 0 {
			line, src = src[:i], src[i+1:]
		} else {
			src = nil
		}
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}

		out, diags = p.parseLine(string(line), lineno, out, diags)
	}

	return out, diags
}

type parser struct {
	list   string
	action Action
}

// token is a whitespace-delimited word with its 0-based start offset.
type token struct {
	text  string
	start int
}

func splitTokens(line string) []token {
	var toks []token

	i := 0
	for i < len(line) {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			break
		}

		start := i
		for i < len(line) && line[i] != ' ' && line[i] != '\t' {
			i++
		}

		text := line[start:i]
		// inline comment terminates the token stream
		if text[0] == '#' || text[0] == '!' {
			break
		}
		toks = append(toks, token{text: text, start: start})
	}

	return toks
}

func (p *parser) parseLine(line string, lineno int, out []Rule, diags []Diagnostic) ([]Rule, []Diagnostic) {
	toks := splitTokens(line)
	if len(toks) == 0 {
		return out, diags
	}

	action := p.action
	switch toks[0].text {
	case "@allow":
		action = ActionAllow
		toks = toks[1:]
	case "@block":
		action = ActionBlock
		toks = toks[1:]
	}

	if len(toks) == 0 {
		return out, append(diags, Diagnostic{
			List:   p.list,
			Line:   lineno,
			Column: 1,
			Length: len(line),
			Source: line,
			Msg:    "action prefix without a domain",
		})
	}

	// hosts-file form: address followed by hostnames
	if ip := net.ParseIP(toks[0].text); ip != nil {
		if len(toks) == 1 {
			return out, append(diags, Diagnostic{
				List:   p.list,
				Line:   lineno,
				Column: toks[0].start + 1,
				Length: len(toks[0].text),
				Source: line,
				Msg:    "hosts entry without a hostname",
			})
		}

		for _, tok := range toks[1:] {
			rules, diag := p.parseDomain(tok, line, lineno, action)
			if diag != nil {
				diags = append(diags, *diag)
				continue
			}
			out = append(out, rules...)
		}

		return out, diags
	}

	if len(toks) > 1 {
		tok := toks[1]
		return out, append(diags, Diagnostic{
			List:   p.list,
			Line:   lineno,
			Column: tok.start + 1,
			Length: len(line) - tok.start,
			Source: line,
			Msg:    "unexpected trailing token",
		})
	}

	rules, diag := p.parseDomain(toks[0], line, lineno, action)
	if diag != nil {
		return out, append(diags, *diag)
	}

	return append(out, rules...), diags
}

// hostsIgnored are hosts-file names that never become rules.
var hostsIgnored = map[string]bool{
	"localhost.":             true,
	"localhost.localdomain.": true,
	"local.":                 true,
	"broadcasthost.":         true,
	"ip6-localhost.":         true,
	"ip6-loopback.":          true,
	"ip6-allnodes.":          true,
	"ip6-allrouters.":        true,
}

func (p *parser) parseDomain(tok token, line string, lineno int, action Action) ([]Rule, *Diagnostic) {
	fail := func(offset int, length int, msg string) *Diagnostic {
		return &Diagnostic{
			List:   p.list,
			Line:   lineno,
			Column: tok.start + offset + 1,
			Length: length,
			Source: line,
			Msg:    msg,
		}
	}

	text := tok.text

	// /regex/ form
	if strings.HasPrefix(text, "/") {
		if len(text) < 3 || !strings.HasSuffix(text, "/") {
			return nil, fail(0, len(text), "unterminated regex pattern")
		}
		expr, err := regexp.Compile(text[1 : len(text)-1])
		if err != nil {
			return nil, fail(1, len(text)-2, "invalid regex pattern: "+err.Error())
		}
		return []Rule{{Kind: KindRegex, Expr: expr, Action: action, List: p.list, Line: lineno}}, nil
	}

	// ||domain^ adblock form: the domain and all its subdomains
	if strings.HasPrefix(text, "||") {
		body, ok := strings.CutSuffix(text[2:], "^")
		if !ok {
			return nil, fail(len(text)-1, 1, "adblock rule must end with ^")
		}
		name, offset, msg := checkDomain(body)
		if msg != "" {
			return nil, fail(2+offset, 1, msg)
		}
		return []Rule{
			{Name: name, Kind: KindExact, Action: action, List: p.list, Line: lineno},
			{Name: name, Kind: KindWildcard, Action: action, List: p.list, Line: lineno},
		}, nil
	}

	kind := KindExact
	offset := 0
	switch {
	case strings.HasPrefix(text, "*."):
		kind = KindWildcard
		text = text[2:]
		offset = 2
	case strings.HasPrefix(text, "."):
		kind = KindWildcard
		text = text[1:]
		offset = 1
	}

	name, badAt, msg := checkDomain(text)
	if msg != "" {
		return nil, fail(offset+badAt, 1, msg)
	}

	if hostsIgnored[name] {
		return nil, nil
	}

	return []Rule{{Name: name, Kind: kind, Action: action, List: p.list, Line: lineno}}, nil
}

// checkDomain validates a domain token and returns its canonical form. On
// failure it returns the 0-based offset of the offending byte and a message.
func checkDomain(text string) (name string, offset int, msg string) {
	if text == "" {
		return "", 0, "empty domain"
	}
	if len(text) > 253 {
		return "", 0, "domain exceeds 253 octets"
	}

	labelStart := 0
	raw := strings.TrimSuffix(text, ".")
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '.' {
			n := i - labelStart
			if n == 0 {
				return "", labelStart, "empty label"
			}
			if n > 63 {
				return "", labelStart, "label exceeds 63 octets"
			}
			labelStart = i + 1
			continue
		}

		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_':
		default:
			return "", i, "invalid character in domain"
		}
	}

	return CanonicalName(text), 0, ""
}
