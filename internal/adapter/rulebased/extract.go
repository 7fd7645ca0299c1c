package rulebased

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// extractCSS applies a css FieldRule inside a selection and returns the
// first non-empty match.
func extractCSS(sel *goquery.Selection, rule FieldRule) string {
	var out string
	sel.Find(rule.Selector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		var val string
		switch rule.Attribute {
		case "", "text":
			val = strings.TrimSpace(s.Text())
		case "html":
			val, _ = s.Html()
		default:
			val, _ = s.Attr(rule.Attribute)
		}
		if val != "" {
			out = val
			return false
		}
		return true
	})
	return out
}

// extractXPath applies an xpath FieldRule to a parsed document.
func extractXPath(doc *html.Node, rule FieldRule) string {
	node, err := htmlquery.Query(doc, rule.Selector)
	if err != nil || node == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(node))
}

// extractRegex applies a regex FieldRule to the raw page text, returning
// the first capture group (or the whole match when there is none).
func extractRegex(body string, rule FieldRule) string {
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(body)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return strings.TrimSpace(m[1])
	default:
		return strings.TrimSpace(m[0])
	}
}

// extractFields runs a rule list against one page. itemSel scopes css
// rules (the whole document for detail pages); doc and body serve xpath
// and regex rules, which always see the full page.
func extractFields(rules []FieldRule, itemSel *goquery.Selection, doc *html.Node, body string) map[string]string {
	out := make(map[string]string, len(rules))
	for _, rule := range rules {
		var val string
		switch rule.Type {
		case "xpath":
			if doc != nil {
				val = extractXPath(doc, rule)
			}
		case "regex":
			val = extractRegex(body, rule)
		default: // css
			if itemSel != nil {
				val = extractCSS(itemSel, rule)
			}
		}
		if val != "" {
			out[rule.Name] = val
		}
	}
	return out
}

var (
	// 1億2000万円, 5,480万円, 980万円
	priceOkuRe = regexp.MustCompile(`(\d+)億(?:\s*([\d,]+))?`)
	priceManRe = regexp.MustCompile(`([\d,]+)\s*万`)
	numberRe   = regexp.MustCompile(`[\d.]+`)
)

// parsePrice converts a Japanese price string to 万円 units. Unparseable
// input returns 0, which the engine counts as price_missing.
func parsePrice(s string) int {
	s = strings.ReplaceAll(s, ",", "")
	if m := priceOkuRe.FindStringSubmatch(s); m != nil {
		oku, _ := strconv.Atoi(m[1])
		man := 0
		if m[2] != "" {
			man, _ = strconv.Atoi(m[2])
		}
		return oku*10000 + man
	}
	if m := priceManRe.FindStringSubmatch(s); m != nil {
		man, _ := strconv.Atoi(m[1])
		return man
	}
	return 0
}

// parseFloat pulls the first decimal number out of a string ("70.2m²"
// → 70.2).
func parseFloat(s string) float64 {
	m := numberRe.FindString(strings.ReplaceAll(s, ",", ""))
	if m == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(m, 64)
	return f
}

// parseInt pulls the first integer out of a string ("築12年" → 12).
func parseInt(s string) int {
	m := numberRe.FindString(strings.ReplaceAll(s, ",", ""))
	if m == "" {
		return 0
	}
	i, _ := strconv.Atoi(strings.SplitN(m, ".", 2)[0])
	return i
}
