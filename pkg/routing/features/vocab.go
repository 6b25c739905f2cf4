package features

import (
	"sort"
	"strings"
)

// domainVocabularies maps a domain flag to the case-insensitive keywords
// that trigger it. Fixed vocabularies, not configuration.
var domainVocabularies = map[string][]string{
	"customer-support": {
		"refund", "cancel", "complaint", "not working", "broken",
		"help", "support", "issue", "problem", "ticket",
	},
	"sales": {
		"pricing", "quote", "discount", "purchase", "upgrade",
		"trial", "demo", "subscription", "plan", "buy",
	},
	"technical": {
		"api", "integration", "webhook", "error code", "stack trace",
		"config", "deploy", "latency", "timeout", "sdk",
	},
	"billing": {
		"invoice", "payment", "charge", "credit card", "billing",
		"receipt", "tax", "prorate", "overage", "balance",
	},
}

// domainFlags returns the sorted set of domain tags whose vocabulary has at
// least one case-insensitive match in message.
func domainFlags(message string) []string {
	lower := strings.ToLower(message)
	var flags []string
	for domain, keywords := range domainVocabularies {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				flags = append(flags, domain)
				break
			}
		}
	}
	sort.Strings(flags)
	return flags
}
