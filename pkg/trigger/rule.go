package trigger

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrRuleCompile indicates a rule's match pattern failed to compile, or the
// rule is otherwise malformed. Startup aborts on this error.
var ErrRuleCompile = errors.New("trigger: rule compile error")

// gcodeTriggerType is the only recognised trigger.type value.
const gcodeTriggerType = "gcode"

// RuleConfig is the raw configuration for one trigger rule.
type RuleConfig struct {
	// ID uniquely identifies the rule within the rule set.
	ID string

	// Type must be "gcode"; any other value is a startup error.
	Type string

	// Match is the regular expression evaluated against the stripped
	// GCode command, unanchored (a search, not a full match).
	Match string

	// Command is the shell command template executed verbatim through
	// /bin/sh -c on a match.
	Command string
}

// Rule is a compiled TriggerRule.
type Rule struct {
	ID      string
	Command string
	pattern *regexp.Regexp
}

// compileRule validates and compiles a RuleConfig into a Rule.
func compileRule(cfg RuleConfig) (Rule, error) {
	if cfg.ID == "" {
		return Rule{}, fmt.Errorf("%w: rule missing id", ErrRuleCompile)
	}
	if cfg.Type == "" {
		return Rule{}, fmt.Errorf("%w: rule '%s' missing trigger.type", ErrRuleCompile, cfg.ID)
	}
	if cfg.Type != gcodeTriggerType {
		return Rule{}, fmt.Errorf("%w: rule '%s' has unrecognised trigger.type %q", ErrRuleCompile, cfg.ID, cfg.Type)
	}
	if cfg.Match == "" {
		return Rule{}, fmt.Errorf("%w: rule '%s' missing trigger.match", ErrRuleCompile, cfg.ID)
	}
	if cfg.Command == "" {
		return Rule{}, fmt.Errorf("%w: rule '%s' missing command", ErrRuleCompile, cfg.ID)
	}

	pattern, err := regexp.Compile(cfg.Match)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: rule '%s' pattern %q: %v", ErrRuleCompile, cfg.ID, cfg.Match, err)
	}

	return Rule{ID: cfg.ID, Command: cfg.Command, pattern: pattern}, nil
}

// matches reports whether the rule's pattern matches command anywhere
// (unanchored search), per spec.md's documented ambiguity resolution.
func (r Rule) matches(command string) bool {
	return r.pattern.MatchString(command)
}
