package augment

import (
	"regexp"
	"strings"
)

// InlineCSS moves <style> block rules onto matching elements' style
// attributes for mail-client compatibility, then strips the blocks. Only
// simple selectors (tag, .class, #id, comma lists) are applied; at-rules and
// combinator selectors are dropped, since mail markup rarely needs them.
func InlineCSS(html string) string {
	var css strings.Builder
	for _, m := range styleBlockRe.FindAllStringSubmatch(html, -1) {
		css.WriteString(m[1])
		css.WriteString("\n")
	}
	if css.Len() == 0 {
		return html
	}
	html = styleBlockRe.ReplaceAllString(html, "")

	for _, rule := range parseRules(css.String()) {
		html = applyRule(html, rule)
	}
	return html
}

type cssRule struct {
	selector string
	decls    string
}

var (
	styleBlockRe = regexp.MustCompile(`(?is)<style[^>]*>(.*?)</style>`)
	commentRe    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	styleAttrRe  = regexp.MustCompile(`(?i)style="([^"]*)"`)
)

func parseRules(css string) []cssRule {
	css = commentRe.ReplaceAllString(css, "")
	var rules []cssRule
	for _, chunk := range strings.Split(css, "}") {
		parts := strings.SplitN(chunk, "{", 2)
		if len(parts) != 2 {
			continue
		}
		decls := strings.TrimSpace(parts[1])
		for _, sel := range strings.Split(parts[0], ",") {
			sel = strings.TrimSpace(sel)
			if sel == "" || decls == "" || !simpleSelector(sel) {
				continue
			}
			rules = append(rules, cssRule{selector: sel, decls: decls})
		}
	}
	return rules
}

func simpleSelector(sel string) bool {
	if strings.HasPrefix(sel, "@") {
		return false
	}
	return !strings.ContainsAny(sel, " >+~:[")
}

func applyRule(html string, rule cssRule) string {
	var elemRe *regexp.Regexp
	switch {
	case strings.HasPrefix(rule.selector, "."):
		class := regexp.QuoteMeta(rule.selector[1:])
		elemRe = regexp.MustCompile(`(?i)<[a-z][a-z0-9]*\s[^>]*class="[^"]*\b` + class + `\b[^"]*"[^>]*>`)
	case strings.HasPrefix(rule.selector, "#"):
		id := regexp.QuoteMeta(rule.selector[1:])
		elemRe = regexp.MustCompile(`(?i)<[a-z][a-z0-9]*\s[^>]*id="` + id + `"[^>]*>`)
	default:
		tag := regexp.QuoteMeta(rule.selector)
		elemRe = regexp.MustCompile(`(?i)<` + tag + `(\s[^>]*)?>`)
	}

	return elemRe.ReplaceAllStringFunc(html, func(elem string) string {
		return mergeStyle(elem, rule.decls)
	})
}

// mergeStyle appends declarations to an element's style attribute, creating
// one when absent. Existing inline declarations keep precedence by coming
// last.
func mergeStyle(elem, decls string) string {
	decls = strings.TrimSuffix(strings.TrimSpace(decls), ";")
	if m := styleAttrRe.FindStringSubmatch(elem); m != nil {
		existing := strings.TrimSuffix(strings.TrimSpace(m[1]), ";")
		merged := decls
		if existing != "" {
			merged = decls + "; " + existing
		}
		return strings.Replace(elem, m[0], `style="`+merged+`"`, 1)
	}
	if strings.HasSuffix(elem, "/>") {
		return strings.TrimSuffix(elem, "/>") + ` style="` + decls + `"/>`
	}
	return strings.TrimSuffix(elem, ">") + ` style="` + decls + `">`
}
