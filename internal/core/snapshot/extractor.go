package snapshot

import (
	"regexp"
	"sort"
	"strings"
)

var (
	moneyPattern   = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:k|m|million|billion|thousand)\b)?`)
	percentPattern = regexp.MustCompile(`\d+(?:\.\d+)?\s?%`)
	datePattern    = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`)
	orgPattern     = regexp.MustCompile(`\b((?:[A-Z][A-Za-z0-9&]*\s){0,3}[A-Z][A-Za-z0-9&]*)\s(?:Corp|Corporation|Inc|LLC|Ltd|Company|Group|Technologies|Systems)\b\.?`)
	speakerPattern = regexp.MustCompile(`(?m)^([A-Z][\w.'-]*(?:\s[A-Z][\w.'-]*){0,3}):\s`)
)

// topicKeywords はトピック判定に使う語彙（トピック名 -> キーワード）
var topicKeywords = map[string][]string{
	"implementation": {"implement", "deploy", "rollout", "go-live", "go live"},
	"integration":    {"integrat", "api", "connector"},
	"migration":      {"migrat", "legacy"},
	"onboarding":     {"onboard", "training", "enablement"},
	"adoption":       {"adoption", "adopt", "active users", "usage"},
	"cost":           {"cost", "savings", "budget", "spend"},
	"roi":            {"roi", "return on investment", "payback"},
	"revenue":        {"revenue", "sales", "upsell"},
	"performance":    {"performance", "faster", "latency", "throughput"},
	"efficiency":     {"efficien", "automat", "manual", "hours"},
	"security":       {"security", "compliance", "audit"},
	"timeline":       {"timeline", "milestone", "deadline", "phase"},
	"challenges":     {"problem", "challenge", "issue", "pain"},
	"expansion":      {"expand", "expansion", "next year", "roadmap"},
}

// KeywordExtractor は正規表現と語彙による簡易なエンティティ・トピック抽出
type KeywordExtractor struct{}

// Extract はテキストからエンティティとトピックを抽出する
func (KeywordExtractor) Extract(text string) (map[string][]string, []string) {
	entities := make(map[string][]string)

	add := func(kind string, values []string) {
		seen := make(map[string]bool)
		for _, v := range values {
			v = strings.TrimSpace(strings.TrimSuffix(v, "."))
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			entities[kind] = append(entities[kind], v)
		}
	}

	add("MONEY", moneyPattern.FindAllString(text, -1))
	add("PERCENT", percentPattern.FindAllString(text, -1))
	add("DATE", datePattern.FindAllString(text, -1))
	add("ORG", orgPattern.FindAllString(text, -1))

	var people []string
	for _, m := range speakerPattern.FindAllStringSubmatch(text, -1) {
		people = append(people, m[1])
	}
	add("PERSON", people)

	return entities, extractTopics(text)
}

func extractTopics(text string) []string {
	lower := strings.ToLower(text)

	type scored struct {
		topic string
		count int
	}
	var found []scored
	for topic, keywords := range topicKeywords {
		count := 0
		for _, kw := range keywords {
			count += strings.Count(lower, kw)
		}
		if count > 0 {
			found = append(found, scored{topic, count})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].count != found[j].count {
			return found[i].count > found[j].count
		}
		return found[i].topic < found[j].topic
	})

	topics := make([]string, len(found))
	for i, f := range found {
		topics[i] = f.topic
	}
	return topics
}

var _ EntityExtractor = KeywordExtractor{}
