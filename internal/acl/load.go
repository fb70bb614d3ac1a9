package acl

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
)

// Load parses a blacklist file: one rule per line, blank lines and lines
// starting with '#' ignored, trailing inline "#..." comments stripped
// (spec.md §4.2). A line is classified as CIDR if it parses via
// net.ParseCIDR, a single IP if it parses via net.ParseIP, a
// WildcardSuffix if it begins with "*.", otherwise Exact.
func Load(r io.Reader) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rule, err := parseRule(line)
		if err != nil {
			return nil, fmt.Errorf("acl: line %d: %w", lineNo, err)
		}
		rules = append(rules, rule)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func stripComment(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return ""
	}
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		return line[:idx]
	}
	return line
}

func parseRule(line string) (Rule, error) {
	if _, network, err := net.ParseCIDR(line); err == nil {
		return Rule{kind: kindCIDR, network: network}, nil
	}
	if ip := net.ParseIP(line); ip != nil {
		return Rule{kind: kindSingleIP, ip: ip}, nil
	}
	if suffix, ok := strings.CutPrefix(line, "*."); ok {
		if suffix == "" {
			return Rule{}, fmt.Errorf("wildcard rule missing suffix: %q", line)
		}
		return Rule{kind: kindWildcardSuffix, suffix: strings.ToLower(suffix)}, nil
	}
	return Rule{kind: kindExact, host: strings.ToLower(line)}, nil
}
