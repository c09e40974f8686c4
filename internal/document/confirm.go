package document

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// confirmDownloadURL extracts the "download anyway" target from a Drive
// virus-scan interstitial. It prefers the download form (action plus hidden
// inputs) and falls back to any link carrying a confirm token.
func confirmDownloadURL(base *url.URL, body io.Reader) (string, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse interstitial: %w", err)
	}

	var formURL, linkURL string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if formURL != "" {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "form":
				if u := formTarget(base, n); u != "" {
					formURL = u
					return
				}
			case "a":
				href := attr(n, "href")
				if linkURL == "" && strings.Contains(href, "confirm=") {
					if u, err := resolve(base, href); err == nil {
						linkURL = u.String()
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	switch {
	case formURL != "":
		return formURL, nil
	case linkURL != "":
		return linkURL, nil
	default:
		return "", ErrNoConfirmLink
	}
}

func formTarget(base *url.URL, form *html.Node) string {
	action := attr(form, "action")
	if attr(form, "id") != "download-form" &&
		!strings.Contains(action, "export=download") &&
		!strings.Contains(action, "/uc") &&
		!strings.Contains(action, "/download") {
		return ""
	}
	target, err := resolve(base, action)
	if err != nil {
		return ""
	}
	q := target.Query()
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
			if name := attr(n, "name"); name != "" {
				q.Set(name, attr(n, "value"))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(form)
	target.RawQuery = q.Encode()
	return target.String()
}

func resolve(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(html.UnescapeString(ref))
	if err != nil {
		return nil, err
	}
	if base == nil {
		return u, nil
	}
	return base.ResolveReference(u), nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
