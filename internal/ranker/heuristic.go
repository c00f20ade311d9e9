package ranker

import (
	"net/url"
	"sort"
	"strings"
)

// keywordWeights scores path segments that usually mark a site's key pages.
var keywordWeights = map[string]int{
	"about":    40,
	"contact":  35,
	"pricing":  35,
	"price":    30,
	"product":  30,
	"products": 30,
	"service":  25,
	"services": 25,
	"features": 25,
	"blog":     20,
	"news":     15,
	"faq":      15,
	"team":     15,
	"docs":     10,
	"support":  10,
}

const (
	rootScore        = 100
	depthPenalty     = 10
	queryPenalty     = 5
	maxKeywordLength = 3
)

// HeuristicRank orders URLs by a keyword and path-depth score, keeping the
// first target entries. Input order breaks ties, so the root URL (first
// discovered) always survives.
func HeuristicRank(urls []string, target int) []string {
	if target <= 0 || len(urls) <= target {
		return append([]string(nil), urls...)
	}

	type scored struct {
		url   string
		score int
		pos   int
	}
	ranked := make([]scored, 0, len(urls))
	for i, u := range urls {
		ranked = append(ranked, scored{url: u, score: scoreURL(u), pos: i})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].pos < ranked[j].pos
	})

	out := make([]string, 0, target)
	for _, s := range ranked[:target] {
		out = append(out, s.url)
	}
	return out
}

func scoreURL(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	segments := pathSegments(u.Path)
	if len(segments) == 0 {
		return rootScore
	}

	score := 0
	matched := 0
	for _, seg := range segments {
		if w, ok := keywordWeights[seg]; ok && matched < maxKeywordLength {
			score += w
			matched++
		}
	}
	score -= depthPenalty * (len(segments) - 1)
	if u.RawQuery != "" {
		score -= queryPenalty
	}
	return score
}

func pathSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		seg = strings.ToLower(strings.TrimSpace(seg))
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
