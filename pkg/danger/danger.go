// Package danger classifies shell command lines as safe or dangerous.
//
// The rule set is a UX safety net, not a security boundary: it gates
// commands behind an approval prompt, it does not sandbox them. The
// default verdict is safe; a single matching rule is enough to flag a
// command as dangerous.
package danger

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one destructive-command pattern. Patterns are compiled
// case-insensitively against the trimmed command line.
type Rule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description,omitempty"`

	re *regexp.Regexp
}

func (r Rule) matches(command string) bool {
	return r.re != nil && r.re.MatchString(command)
}

// builtinRules is the ordered default rule set. Evaluation is
// first-match, and any match classifies the command as dangerous.
var builtinRules = []Rule{
	{Name: "rm", Pattern: `\brm(\s|$)`, Description: "file removal"},
	{Name: "mv-system-path", Pattern: `\bmv\s+.+\s+/(bin|boot|dev|etc|lib|proc|root|sbin|sys|usr|var)(/|\s|$)`, Description: "move onto a system path"},
	{Name: "dd", Pattern: `\bdd(\s|$)`, Description: "raw disk copy"},
	{Name: "device-write", Pattern: `>\s*/dev/(sd|hd|nvme|mmcblk)\S*`, Description: "redirect onto a block device"},
	{Name: "mkfs-partition", Pattern: `\b(mkfs(\.\S+)?|fdisk|parted)(\s|$)`, Description: "format or repartition a disk"},
	{Name: "sudo", Pattern: `\bsudo\s`, Description: "privilege escalation"},
	{Name: "chown", Pattern: `\bchown\s`, Description: "ownership change"},
	{Name: "chmod-permissive", Pattern: `\bchmod\s+(-[a-z]+\s+)*0?(777|666)\b`, Description: "world-writable permissions"},
	{Name: "kill-force", Pattern: `\b(kill|pkill)\s+(-9\b|-s\s+(sig)?kill\b)`, Description: "forced process kill"},
	{Name: "killall", Pattern: `\bkillall(\s|$)`, Description: "kill processes by name"},
	{Name: "host-shutdown", Pattern: `\b(shutdown|reboot|poweroff|halt)(\s|$)`, Description: "host shutdown or reboot"},
	{Name: "init-0", Pattern: `\binit\s+0(\s|$)`, Description: "runlevel halt"},
	{Name: "service-disable", Pattern: `\bsystemctl\s+(mask|disable)\b`, Description: "disable a system service"},
	{Name: "package-publish", Pattern: `\b(npm|yarn|pnpm)\s+publish\b`, Description: "irreversible package publish"},
	{Name: "force-push", Pattern: `\bgit\s+push\b.*\s(--force\b|-f\b)`, Description: "git history rewrite on a remote"},
	{Name: "hard-reset", Pattern: `\bgit\s+reset\s+--hard\b`, Description: "discard local changes"},
	{Name: "sql-drop", Pattern: `\bdrop\s+(table|database|schema|index)\b`, Description: "destructive SQL drop"},
	{Name: "sql-delete", Pattern: `\bdelete\s+from\b`, Description: "SQL bulk delete"},
	{Name: "sql-truncate", Pattern: `\btruncate\b`, Description: "table or file truncation"},
	{Name: "fork-bomb", Pattern: `:\(\)\s*\{\s*:\|:&\s*\}`, Description: "shell fork bomb"},
}

func init() {
	for i := range builtinRules {
		builtinRules[i].re = mustCompile(builtinRules[i].Pattern)
	}
}

func mustCompile(pattern string) *regexp.Regexp {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		panic(fmt.Sprintf("danger: invalid builtin pattern %q: %v", pattern, err))
	}
	return re
}

func compile(r Rule) (Rule, error) {
	if strings.TrimSpace(r.Name) == "" {
		return r, fmt.Errorf("rule with pattern %q has no name", r.Pattern)
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return r, fmt.Errorf("rule %q has no pattern", r.Name)
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return r, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	r.re = re
	return r, nil
}

// Classifier evaluates a command line against an ordered rule set.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a classifier with the builtin rule set.
func NewClassifier() *Classifier {
	rules := make([]Rule, len(builtinRules))
	copy(rules, builtinRules)
	return &Classifier{rules: rules}
}

// Extend appends custom rules after the builtin ones. Invalid rules
// are rejected without modifying the classifier.
func (c *Classifier) Extend(rules []Rule) error {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		cr, err := compile(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}
	c.rules = append(c.rules, compiled...)
	return nil
}

// IsDangerous reports whether the command matches any rule. The input
// is trimmed first; classification is pure and has no side effects.
func (c *Classifier) IsDangerous(command string) bool {
	return c.Match(command) != nil
}

// Match returns the first rule the command matches, or nil when the
// command is safe. Useful for telling the user why a command was
// flagged.
func (c *Classifier) Match(command string) *Rule {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return nil
	}
	for i := range c.rules {
		if c.rules[i].matches(trimmed) {
			r := c.rules[i]
			return &r
		}
	}
	return nil
}

// Rules returns a copy of the effective rule set in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads additional rules from a YAML file:
//
//	rules:
//	  - name: drop-collection
//	    pattern: '\bdb\.\w+\.drop\b'
//	    description: mongo collection drop
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	for i, r := range rf.Rules {
		cr, err := compile(r)
		if err != nil {
			return nil, err
		}
		rf.Rules[i] = cr
	}
	return rf.Rules, nil
}

var defaultClassifier = NewClassifier()

// IsDangerous evaluates the command against the default rule set.
func IsDangerous(command string) bool {
	return defaultClassifier.IsDangerous(command)
}

// Match evaluates the command against the default rule set and returns
// the first matching rule, or nil.
func Match(command string) *Rule {
	return defaultClassifier.Match(command)
}

// Extend appends custom rules to the default rule set. Call it during
// startup, before commands are classified; the default classifier is
// not guarded against concurrent mutation.
func Extend(rules []Rule) error {
	return defaultClassifier.Extend(rules)
}

// Rules returns the default rule set in evaluation order.
func Rules() []Rule {
	return defaultClassifier.Rules()
}
