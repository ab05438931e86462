package triage

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractLinks returns absolute http(s) anchor targets in document order.
// Other schemes (mailto:, tel:), fragments and relative references are
// dropped here, so they are neither queued nor counted toward the per-message
// link cap. Parse problems yield whatever was recovered.
func ExtractLinks(html string) []string {
	if strings.TrimSpace(html) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if isWebURL(href) {
			links = append(links, href)
		}
	})
	return links
}

func isWebURL(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
