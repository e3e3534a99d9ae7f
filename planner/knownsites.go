package planner

import "strings"

// knownSite pairs a command keyword with the site URL the heuristic
// fallback planner targets when that keyword is detected.
type knownSite struct {
	keyword string
	url     string
}

// knownSites is the fixed keyword table the deterministic fallback planner
// scans the command against, in priority order.
var knownSites = []knownSite{
	{"amazon", "https://www.amazon.com"},
	{"best buy", "https://www.bestbuy.com"},
	{"bestbuy", "https://www.bestbuy.com"},
	{"newegg", "https://www.newegg.com"},
	{"walmart", "https://www.walmart.com"},
	{"ebay", "https://www.ebay.com"},
	{"linkedin", "https://www.linkedin.com"},
	{"indeed", "https://www.indeed.com"},
	{"zillow", "https://www.zillow.com"},
	{"yelp", "https://www.yelp.com"},
}

// defaultSearchSite is targeted when no known site keyword is detected.
const defaultSearchSite = "https://www.google.com"

// DetectKnownSites scans command for known site keywords and returns the
// matching site URLs in table order, deduplicated.
func DetectKnownSites(command string) []string {
	cmd := strings.ToLower(command)
	seen := make(map[string]bool)
	var sites []string
	for _, ks := range knownSites {
		if strings.Contains(cmd, ks.keyword) && !seen[ks.url] {
			sites = append(sites, ks.url)
			seen[ks.url] = true
		}
	}
	return sites
}
