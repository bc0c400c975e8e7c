package filter

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Режимы правил контент-фильтра.
type RuleMode string

const (
	ModeLiteral RuleMode = "literal" // Регистронезависимый substring
	ModeRegex   RuleMode = "regex"   // Компилируется один раз при добавлении
)

// Rule — одно deny-правило. Label возвращается агенту как rule_id отказа.
type Rule struct {
	Mode    RuleMode `yaml:"mode" json:"mode"`
	Pattern string   `yaml:"pattern" json:"pattern"`
	Label   string   `yaml:"label" json:"label"`
}

// compiledRule хранит предвычисленную форму: lower-паттерн для literal,
// готовый regexp для regex. Битый regex отбрасывается на этапе добавления,
// а не молча пропускается в момент матчинга.
type compiledRule struct {
	rule    Rule
	lowered string
	re      *regexp.Regexp
}

// Filter — упорядоченный список правил. Набор подменяется целиком (swap),
// поэтому Matches никогда не конкурирует с перезагрузкой.
type Filter struct {
	snap atomic.Value // []compiledRule
}

func New() *Filter {
	f := &Filter{}
	f.snap.Store([]compiledRule{})
	return f
}

// SetRules валидирует и атомарно подменяет весь набор правил.
func (f *Filter) SetRules(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		c, err := compile(r)
		if err != nil {
			return fmt.Errorf("filter: rule #%d (%s): %w", i, r.Label, err)
		}
		compiled = append(compiled, c)
	}
	f.snap.Store(compiled)
	return nil
}

// LoadFile читает правила из YAML-файла (список Rule).
func (f *Filter) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("filter: read rules file: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("filter: parse rules file: %w", err)
	}
	return f.SetRules(rules)
}

// Rules возвращает текущий набор (для админ-выдачи).
func (f *Filter) Rules() []Rule {
	compiled := f.snap.Load().([]compiledRule)
	out := make([]Rule, len(compiled))
	for i, c := range compiled {
		out[i] = c.rule
	}
	return out
}

// Matches возвращает ПЕРВОЕ сработавшее правило или nil.
// Чистая функция от снапшота и входа — Hot Path без блокировок.
func (f *Filter) Matches(text string) *Rule {
	compiled := f.snap.Load().([]compiledRule)
	if len(compiled) == 0 {
		return nil
	}

	lowered := strings.ToLower(text)
	for i := range compiled {
		c := &compiled[i]
		switch c.rule.Mode {
		case ModeLiteral:
			if strings.Contains(lowered, c.lowered) {
				hit := c.rule
				return &hit
			}
		case ModeRegex:
			if c.re.MatchString(text) {
				hit := c.rule
				return &hit
			}
		}
	}
	return nil
}

func compile(r Rule) (compiledRule, error) {
	if r.Pattern == "" {
		return compiledRule{}, fmt.Errorf("empty pattern")
	}
	switch r.Mode {
	case ModeLiteral:
		return compiledRule{rule: r, lowered: strings.ToLower(r.Pattern)}, nil
	case ModeRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return compiledRule{}, fmt.Errorf("invalid regex: %w", err)
		}
		return compiledRule{rule: r, re: re}, nil
	default:
		return compiledRule{}, fmt.Errorf("unknown rule mode %q", r.Mode)
	}
}
