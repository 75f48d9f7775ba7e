package sandbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DocumentResources lists what a sandbox document pulls in: external origins
// per directive and the hashes of its inline scripts.
type DocumentResources struct {
	ScriptOrigins []string
	StyleOrigins  []string
	InlineScripts []string
}

// ScanDocument parses a sandbox document and collects its resources.
func ScanDocument(document []byte) (DocumentResources, error) {
	root, err := html.Parse(bytes.NewReader(document))
	if err != nil {
		return DocumentResources{}, fmt.Errorf("parsing sandbox document: %w", err)
	}

	scripts := make(map[string]bool)
	styles := make(map[string]bool)
	var res DocumentResources

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script:
				if src := attr(n, "src"); src != "" {
					if origin := originOf(src); origin != "" {
						scripts[origin] = true
					}
				} else if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					res.InlineScripts = append(res.InlineScripts, hashSource(n.FirstChild.Data))
				}
			case atom.Link:
				if strings.EqualFold(attr(n, "rel"), "stylesheet") {
					if origin := originOf(attr(n, "href")); origin != "" {
						styles[origin] = true
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	res.ScriptOrigins = sortedKeys(scripts)
	res.StyleOrigins = sortedKeys(styles)
	return res, nil
}

// ContentSecurityPolicy builds the policy a sandbox document is served with.
// Only the document's own inline scripts and external origins may run; the
// document can make no network requests of its own.
func ContentSecurityPolicy(document []byte) (string, error) {
	res, err := ScanDocument(document)
	if err != nil {
		return "", err
	}

	scriptSrc := []string{}
	for _, h := range res.InlineScripts {
		scriptSrc = append(scriptSrc, "'"+h+"'")
	}
	scriptSrc = append(scriptSrc, res.ScriptOrigins...)
	if len(scriptSrc) == 0 {
		scriptSrc = append(scriptSrc, "'none'")
	}

	styleSrc := append([]string{"'unsafe-inline'"}, res.StyleOrigins...)

	directives := []string{
		"default-src 'none'",
		"script-src " + strings.Join(scriptSrc, " "),
		"style-src " + strings.Join(styleSrc, " "),
		"img-src data: blob: https:",
		"font-src data: https:",
		"connect-src 'none'",
		"form-action 'none'",
		"base-uri 'none'",
		"frame-ancestors 'self'",
	}
	return strings.Join(directives, "; "), nil
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
