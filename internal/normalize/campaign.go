package normalize

import "net/url"

// Campaign holds marketing attribution parameters extracted from a page
// URL's query string: the standard UTM set plus ad-click identifiers.
type Campaign struct {
	Source     string
	Medium     string
	Campaign   string
	Term       string
	Content    string
	GCLID      string // Google Ads click id
	FBCLID     string // Facebook Ads click id
	CampaignID string
}

// ParseCampaign extracts attribution parameters from a page URL. A missing
// or malformed URL yields an empty attribution set, never an error.
func ParseCampaign(pageURL string) Campaign {
	if pageURL == "" {
		return Campaign{}
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return Campaign{}
	}
	q := u.Query()
	return Campaign{
		Source:     q.Get("utm_source"),
		Medium:     q.Get("utm_medium"),
		Campaign:   q.Get("utm_campaign"),
		Term:       q.Get("utm_term"),
		Content:    q.Get("utm_content"),
		GCLID:      q.Get("gclid"),
		FBCLID:     q.Get("fbclid"),
		CampaignID: q.Get("campaignid"),
	}
}
