package automod

import (
	"fmt"
	"regexp"
	"strings"

	"forum-automod/models"

	"github.com/xrash/smetrics"
)

// Similarity is the normalized edit-distance ratio of two texts in [0, 1], where 1 means equal.
// Texts are compared per character, case-insensitively after trimming; an empty side is never
// similar.
func Similarity(a, b string) float64 {
	ra := []rune(strings.ToLower(strings.TrimSpace(a)))
	rb := []rune(strings.ToLower(strings.TrimSpace(b)))
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	total := len(ra) + len(rb)
	return float64(total-distance(ra, rb)) / float64(total)
}

// distance is the edit distance of two rune sequences, with a substitution counted as a deletion
// plus an insertion. smetrics compares bytes, so each distinct rune is given a one-byte code first.
func distance(a, b []rune) int {
	codes := make(map[rune]byte)
	encode := func(rs []rune) (string, bool) {
		out := make([]byte, len(rs))
		for i, r := range rs {
			c, ok := codes[r]
			if !ok {
				if len(codes) == 256 {
					return "", false
				}
				c = byte(len(codes))
				codes[r] = c
			}
			out[i] = c
		}
		return string(out), true
	}
	ea, okA := encode(a)
	eb, okB := encode(b)
	if okA && okB {
		return smetrics.WagnerFischer(ea, eb, 1, 1, 2)
	}

	// more than 256 distinct characters
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1]
				continue
			}
			cur[j] = min(cur[j-1]+1, prev[j]+1, prev[j-1]+2)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// compileAlternation joins the patterns into one case-insensitive expression.
func compileAlternation(patterns []string) (*regexp.Regexp, error) {
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		parts = append(parts, "(?:"+p+")")
	}
	return regexp.Compile("(?i)" + strings.Join(parts, "|"))
}

func sources(patterns []models.Pattern) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p.Pattern)
	}
	return out
}

func checkBlacklist(content string, words []models.Pattern) models.Decision {
	lower := strings.ToLower(content)
	for _, w := range words {
		if w.Pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w.Pattern)) {
			return models.Decision{
				Action: models.ActionBlock,
				Reason: fmt.Sprintf("Your message contains a blacklisted word: `%s`", w.Pattern),
			}
		}
	}
	return models.Decision{}
}

// checkPatterns runs the BLOCK or WARN stage. A malformed expression is reported through err and
// the stage yields no action.
func checkPatterns(content string, patterns []models.Pattern, category models.PatternCategory) (models.Decision, error) {
	if len(patterns) == 0 {
		return models.Decision{}, nil
	}
	re, err := compileAlternation(sources(patterns))
	if err != nil {
		return models.Decision{}, err
	}
	loc := re.FindStringIndex(content)
	if loc == nil {
		return models.Decision{}, nil
	}
	match := content[loc[0]:loc[1]]

	if category == models.CategoryWarn {
		return models.Decision{
			Action: models.ActionWarn,
			Reason: fmt.Sprintf("This message triggered a content warning: `%s`, please check if the message breaks server policy.", match),
		}, nil
	}
	return models.Decision{
		Action: models.ActionBlock,
		Reason: fmt.Sprintf("Your message contains content that is not allowed: `%s`", match),
	}, nil
}

// checkRequired returns the first pattern in storage order the content does not match. Patterns
// that do not compile are returned in skipped and do not count as unmet.
func checkRequired(content string, patterns []models.Pattern) (d models.Decision, skipped []models.Pattern) {
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			skipped = append(skipped, p)
			continue
		}
		if re.MatchString(content) {
			continue
		}
		return models.Decision{
			Action: models.ActionRequired,
			Reason: fmt.Sprintf("Your message is missing required content: `%s`", p.Pattern),
		}, skipped
	}
	return models.Decision{}, skipped
}
