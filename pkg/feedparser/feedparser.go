// Package feedparser extracts hub/self link relations from Atom, RSS, and
// HTML bodies, used by the fetch engine to validate that a topic still
// names this hub (spec §4.3, "strictTopicHubLink").
package feedparser

import (
	"encoding/xml"
	"strings"

	"golang.org/x/net/html"
)

// Link is a single rel="hub"/rel="self" relation found in a body or in
// HTTP Link headers.
type Link struct {
	Rel  string
	Href string
}

// atomFeed covers the subset of Atom we care about: <link rel href>.
type atomFeed struct {
	XMLName xml.Name   `xml:"feed"`
	Links   []atomLink `xml:"link"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// rssFeed covers RSS 2.0's <atom:link rel href> hub-discovery convention,
// the de facto mechanism most WebSub-enabled RSS feeds use.
type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Links []atomLink `xml:"link"`
	} `xml:"channel"`
}

// ParseBody extracts link relations from an Atom or RSS document. It
// tries Atom first, then RSS; a body that matches neither yields no
// links and no error — the caller falls back to HTTP Link headers.
func ParseBody(body []byte) []Link {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err == nil && len(feed.Links) > 0 {
		return toLinks(feed.Links)
	}

	var rss rssFeed
	if err := xml.Unmarshal(body, &rss); err == nil && len(rss.Channel.Links) > 0 {
		return toLinks(rss.Channel.Links)
	}

	return nil
}

func toLinks(in []atomLink) []Link {
	out := make([]Link, 0, len(in))
	for _, l := range in {
		if l.Rel == "" || l.Href == "" {
			continue
		}
		out = append(out, Link{Rel: l.Rel, Href: l.Href})
	}
	return out
}

// ParseHTML extracts <link rel="..." href="..."> relations from anywhere
// in an HTML document (the whole tree is walked, not only <head>), the
// convention browsers and hubs both use for WebSub discovery on non-feed
// pages.
func ParseHTML(body []byte) []Link {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	var links []Link
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "link" {
			var rel, href string
			for _, a := range n.Attr {
				switch a.Key {
				case "rel":
					rel = a.Val
				case "href":
					href = a.Val
				}
			}
			if rel != "" && href != "" {
				links = append(links, Link{Rel: rel, Href: href})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// ParseLinkHeader parses an HTTP Link header's comma-separated
// `<url>; rel="name"` entries (RFC 8288, the same format used outbound
// by the delivery engine).
func ParseLinkHeader(header string) []Link {
	var links []Link
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segments := strings.Split(part, ";")
		urlPart := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(urlPart, "<") || !strings.HasSuffix(urlPart, ">") {
			continue
		}
		href := urlPart[1 : len(urlPart)-1]

		var rel string
		for _, seg := range segments[1:] {
			seg = strings.TrimSpace(seg)
			if strings.HasPrefix(seg, "rel=") {
				rel = strings.Trim(seg[len("rel="):], `"`)
			}
		}
		if rel != "" && href != "" {
			links = append(links, Link{Rel: rel, Href: href})
		}
	}
	return links
}

// HasHubRelation reports whether any link in the given set is a rel="hub"
// relation whose href matches selfBaseURL (exact match, as the hub
// announces its own canonical base URL).
func HasHubRelation(links []Link, selfBaseURL string) bool {
	for _, l := range links {
		if l.Rel == "hub" && l.Href == selfBaseURL {
			return true
		}
	}
	return false
}
