package agent

import "strings"

// Query classes the smart router distinguishes.
const (
	ClassSimple  = "simple"
	ClassComplex = "complex"
)

// Signals that a question needs live data or multi-step tool work. Matching
// is substring-based over the lowercased query; Chinese markers are included
// because the shipped lexicon is bilingual.
var (
	timeSensitiveMarkers = []string{
		"today", "latest", "current", "now", "recent", "this week", "this year",
		"news", "2025", "2026",
		"今天", "最新", "现在", "最近", "新闻",
	}
	actionMarkers = []string{
		"search the web", "search online", "look up", "browse", "fetch",
		"list the files", "list files", "read the file", "read file", "compare",
		"搜索", "查找", "浏览", "读取文件", "列出文件", "对比",
	}
	externalMarkers = []string{
		"http://", "https://", "www.", "website", "webpage",
		"weather", "stock", "price of",
		"网站", "网页", "天气", "股价",
	}
	historyMarkers = []string{
		"you said", "we discussed", "as before", "earlier you", "previous answer",
		"之前", "刚才", "上面说", "前面提到",
	}
)

// Classify decides whether a question can be answered by plain retrieval or
// needs the full agent. Ambiguity resolves to simple, keeping latency low
// for ordinary knowledge-base questions.
func Classify(query string) string {
	lower := strings.ToLower(query)

	for _, group := range [][]string{timeSensitiveMarkers, actionMarkers, externalMarkers, historyMarkers} {
		for _, marker := range group {
			if strings.Contains(lower, marker) {
				return ClassComplex
			}
		}
	}
	return ClassSimple
}
