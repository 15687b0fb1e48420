package feedparser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const atomSample = `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <link rel="hub" href="https://hub.example.com/"/>
  <link rel="self" href="https://pub.example.com/feed.atom"/>
</feed>`

const rssSample = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <link rel="hub" href="https://hub.example.com/"/>
    <link rel="self" href="https://pub.example.com/feed.rss"/>
  </channel>
</rss>`

const htmlSample = `<!doctype html>
<html><head>
<link rel="hub" href="https://hub.example.com/">
<link rel="self" href="https://pub.example.com/page">
</head><body></body></html>`

func TestParseBodyAtom(t *testing.T) {
	links := ParseBody([]byte(atomSample))
	require.True(t, HasHubRelation(links, "https://hub.example.com/"))
}

func TestParseBodyRSS(t *testing.T) {
	links := ParseBody([]byte(rssSample))
	require.True(t, HasHubRelation(links, "https://hub.example.com/"))
}

func TestParseBodyNeither(t *testing.T) {
	links := ParseBody([]byte("not xml at all"))
	require.Empty(t, links)
}

func TestParseHTML(t *testing.T) {
	links := ParseHTML([]byte(htmlSample))
	require.True(t, HasHubRelation(links, "https://hub.example.com/"))
}

func TestParseLinkHeader(t *testing.T) {
	header := `<https://hub.example.com/>; rel="hub", <https://pub.example.com/feed>; rel="self"`
	links := ParseLinkHeader(header)
	require.Len(t, links, 2)
	require.True(t, HasHubRelation(links, "https://hub.example.com/"))
}

func TestParseLinkHeaderMalformed(t *testing.T) {
	links := ParseLinkHeader("garbage, , <>;rel=hub")
	require.Empty(t, links)
}

func TestHasHubRelationNoMatch(t *testing.T) {
	links := []Link{{Rel: "hub", Href: "https://other.example.com/"}}
	require.False(t, HasHubRelation(links, "https://hub.example.com/"))
}
