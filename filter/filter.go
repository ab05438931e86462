package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/om-intake/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeSubject []string
	IncludeBody    []string
	ExcludeSubject []string
	ExcludeBody    []string
}

// Filter holds compiled regex patterns for selecting messages to triage.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeSubject []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeSubject []*regexp.Regexp
	excludeBody    []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeSubject, err := compilePatterns(opts.IncludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile include-subject pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeSubject, err := compilePatterns(opts.ExcludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-subject pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeSubject) > 0 || len(includeBody) > 0
	excludeActive := len(excludeSubject) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeSubject: includeSubject,
		includeBody:    includeBody,
		excludeSubject: excludeSubject,
		excludeBody:    excludeBody,
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(msg model.Message) bool {
	if f.includeMode {
		return matchAny(f.includeSubject, msg.Subject) || matchAny(f.includeBody, msg.HTMLBody)
	}

	if f.excludeMode {
		if matchAny(f.excludeSubject, msg.Subject) || matchAny(f.excludeBody, msg.HTMLBody) {
			return false
		}
	}

	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
