// Package permission gates tool side effects behind rule evaluation and
// blocking human approval.
package permission

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Action is the outcome a rule assigns to a matching request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Rule maps a (permission, pattern) pair to an action. Patterns use glob
// semantics: * within a segment, ** across segments, ~ and $HOME expand
// to the user home.
type Rule struct {
	Permission string `json:"permission"`
	Pattern    string `json:"pattern"`
	Action     Action `json:"action"`
}

// Ruleset is an ordered list of rules. Later matches override earlier
// ones.
type Ruleset []Rule

// Evaluate concatenates the rulesets in precedence order and returns the
// action of the last rule whose permission and pattern both match, plus
// every matching rule. Without a match the default is ask.
func Evaluate(permission, pattern string, rulesets ...Ruleset) (Action, []Rule) {
	action := ActionAsk
	var matched []Rule
	for _, rs := range rulesets {
		for _, rule := range rs {
			if !Matches(rule.Permission, permission) {
				continue
			}
			if !Matches(rule.Pattern, pattern) {
				continue
			}
			matched = append(matched, rule)
			action = rule.Action
		}
	}
	return action, matched
}

// Matches reports whether target matches the glob pattern. An empty
// pattern matches everything.
func Matches(pattern, target string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	return globToRegexp(ExpandHome(pattern)).MatchString(ExpandHome(target))
}

// ExpandHome rewrites a leading ~ or $HOME to the user home directory.
func ExpandHome(s string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return s
	}
	switch {
	case s == "~" || s == "$HOME":
		return home
	case strings.HasPrefix(s, "~/"):
		return filepath.Join(home, s[2:])
	case strings.HasPrefix(s, "$HOME/"):
		return filepath.Join(home, s[len("$HOME/"):])
	}
	return s
}

// globToRegexp compiles a glob pattern: ** crosses path separators, *
// stays within a segment, ? matches one character.
func globToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		case '.', '+', '^', '$', '{', '}', '(', ')', '[', ']', '|', '\\':
			b.WriteString("\\")
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		// Fall back to literal comparison for pathological patterns.
		return regexp.MustCompile("^" + regexp.QuoteMeta(pattern) + "$")
	}
	return re
}
