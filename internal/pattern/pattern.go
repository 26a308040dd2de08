// Package pattern compiles Pusher-style "prefix.{var}" channel authorization
// templates into matchers that can test a channel name and extract the named
// segments bound by the template.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentPattern matches one dot-free path segment, mirroring the channel
// name grammar: a wildcard binds exactly one segment, never a dot.
const segmentPattern = `[^.]+`

var varRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Matcher tests full channel names against a compiled template and extracts
// the named parameters bound by each "{var}" segment.
type Matcher struct {
	template string
	names    []string
	re       *regexp.Regexp
}

// Compile turns a template such as "private-user.{userId}" into a Matcher.
// Regex metacharacters in the literal portions are escaped; each "{name}"
// is replaced with a capturing group anchored to a single dot-free segment.
// The resulting expression is anchored on both ends.
func Compile(template string) (*Matcher, error) {
	names := make([]string, 0, 2)
	var b strings.Builder
	b.WriteString("^")

	last := 0
	for _, loc := range varRe.FindAllStringSubmatchIndex(template, -1) {
		start, end := loc[0], loc[1]
		nameStart, nameEnd := loc[2], loc[3]

		b.WriteString(regexp.QuoteMeta(template[last:start]))
		name := template[nameStart:nameEnd]
		names = append(names, name)
		fmt.Fprintf(&b, "(?P<%s>%s)", name, segmentPattern)

		last = end
	}
	b.WriteString(regexp.QuoteMeta(template[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("pattern: compile %q: %w", template, err)
	}

	return &Matcher{template: template, names: names, re: re}, nil
}

// MustCompile is Compile but panics on error; intended for static templates
// registered at init time.
func MustCompile(template string) *Matcher {
	m, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether name satisfies the template and, if so, returns the
// named-group -> matched-segment extraction.
func (m *Matcher) Match(name string) (params map[string]string, ok bool) {
	groups := m.re.FindStringSubmatch(name)
	if groups == nil {
		return nil, false
	}

	params = make(map[string]string, len(m.names))
	for i, groupName := range m.re.SubexpNames() {
		if i == 0 || groupName == "" {
			continue
		}
		params[groupName] = groups[i]
	}
	return params, true
}

// Template returns the original template string the Matcher was compiled from.
func (m *Matcher) Template() string { return m.template }

// Names returns the variable names bound by the template, in order of
// first appearance.
func (m *Matcher) Names() []string { return m.names }
