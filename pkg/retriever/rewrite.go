package retriever

import "strings"

// Rule substitutes a canonical term expansion when a query contains every
// required marker. Each slot in RequiresAll lists alternative spellings; one
// per slot must match.
type Rule struct {
	RequiresAll [][]string `yaml:"requires_all"`
	Replacement string     `yaml:"replacement"`
}

func (r Rule) matches(query string) bool {
	lower := strings.ToLower(query)
	for _, alternatives := range r.RequiresAll {
		matched := false
		for _, marker := range alternatives {
			if strings.Contains(lower, strings.ToLower(marker)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return len(r.RequiresAll) > 0
}

// Rewriter is a rule-driven query preprocessor. Rules are ordered; the first
// match replaces the query. Pure function of its input.
type Rewriter struct {
	rules []Rule
}

// DefaultRules holds the shipped domain lexicon. Replacements are chosen so
// they never re-match a rule, keeping Rewrite idempotent.
func DefaultRules() []Rule {
	return []Rule{
		{
			RequiresAll: [][]string{{"深度学习", "deep learning"}, {"架构", "architecture"}},
			Replacement: "CNN RNN Transformer GAN",
		},
		{
			RequiresAll: [][]string{{"什么是深度学习", "what is deep learning"}},
			Replacement: "深度学习定义 deep learning definition",
		},
		{
			RequiresAll: [][]string{{"深度学习", "deep learning"}, {"应用", "application"}},
			Replacement: "图像处理 序列数据 自然语言处理",
		},
	}
}

func NewRewriter(rules []Rule) *Rewriter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Rewriter{rules: rules}
}

// Rewrite returns the first matching rule's replacement, or the query
// unchanged.
func (rw *Rewriter) Rewrite(query string) string {
	for _, rule := range rw.rules {
		if rule.matches(query) {
			return rule.Replacement
		}
	}
	return query
}
