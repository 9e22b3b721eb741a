package fetch

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxLinks caps the links collected from one page.
const maxLinks = 50

// Link is an anchor found on a page, resolved against the page URL.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// page is what the DOM walk extracts from an HTML document.
type page struct {
	title string
	text  string
	links []Link
}

// hidden elements contribute neither text nor links.
var hidden = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
}

// chrome elements are page furniture: their text is dropped but their
// links are kept, since navigation is where most links live.
var chrome = map[atom.Atom]bool{
	atom.Nav:    true,
	atom.Header: true,
	atom.Footer: true,
	atom.Aside:  true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
	atom.Tr: true, atom.Dl: true, atom.Dd: true, atom.Dt: true, atom.Figure: true,
	atom.Figcaption: true, atom.Details: true, atom.Summary: true, atom.Hr: true,
}

// domWalker accumulates a page in a single pass over the tree.
type domWalker struct {
	base  *url.URL
	text  strings.Builder
	title string
	links []Link
	seen  map[string]bool
}

// extractHTML parses raw and returns its title, visible text and links.
// base resolves relative hrefs and may be nil. Unparseable input falls
// back to the raw text tokens.
func extractHTML(raw string, base *url.URL) page {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return page{text: tokenText(raw)}
	}
	w := &domWalker{base: base, seen: make(map[string]bool)}
	w.walk(doc, false)
	return page{
		title: w.title,
		text:  cleanWhitespace(w.text.String()),
		links: w.links,
	}
}

func (w *domWalker) walk(n *html.Node, muted bool) {
	if n.Type == html.ElementNode {
		switch {
		case n.DataAtom == atom.Title:
			if w.title == "" {
				w.title = strings.TrimSpace(nodeText(n))
			}
			return
		case n.DataAtom == atom.Head:
			// The title is the only part of head worth keeping.
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.DataAtom == atom.Title {
					w.walk(c, true)
				}
			}
			return
		case hidden[n.DataAtom]:
			return
		case chrome[n.DataAtom]:
			muted = true
		case n.DataAtom == atom.A:
			w.addLink(n)
		}
		if !muted && blocks[n.DataAtom] && w.text.Len() > 0 {
			w.text.WriteString("\n\n")
		}
	}

	if n.Type == html.TextNode && !muted {
		if s := strings.TrimSpace(n.Data); s != "" {
			w.text.WriteString(s)
			w.text.WriteByte(' ')
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, muted)
	}

	if n.Type == html.ElementNode && !muted && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.text.WriteByte('\n')
	}
}

func (w *domWalker) addLink(n *html.Node) {
	if len(w.links) >= maxLinks {
		return
	}
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = strings.TrimSpace(a.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return
	}
	u, err := url.Parse(href)
	if err != nil {
		return
	}
	if w.base != nil {
		u = w.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return
	}
	u.Fragment = ""
	abs := u.String()
	if w.seen[abs] {
		return
	}
	w.seen[abs] = true
	w.links = append(w.links, Link{
		Text: strings.Join(strings.Fields(nodeText(n)), " "),
		URL:  abs,
	})
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

// cleanWhitespace collapses runs of blanks within lines and runs of
// empty lines to one.
func cleanWhitespace(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" && blank {
			continue
		}
		blank = line == ""
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// tokenText returns the text tokens of s, ignoring markup.
func tokenText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return cleanWhitespace(b.String())
		case html.TextToken:
			b.Write(z.Text())
			b.WriteByte(' ')
		}
	}
}
