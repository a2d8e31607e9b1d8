package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// extractContent reduces a response body to text based on its content type.
// Returns the text and the name of the extractor that produced it.
func extractContent(contentType string, body []byte, mode string) (string, string) {
	switch {
	case strings.Contains(contentType, "application/json"):
		return prettyJSON(body)
	case strings.Contains(contentType, "text/markdown"):
		if mode == "text" {
			return flattenMarkdown(string(body)), "markdown-to-text"
		}
		return string(body), "markdown"
	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if mode == "text" {
			return htmlToText(string(body)), "html-to-text"
		}
		return htmlToMarkdown(string(body)), "html-to-markdown"
	default:
		return string(body), "raw"
	}
}

// prettyJSON re-indents JSON content; invalid JSON passes through raw.
func prettyJSON(body []byte) (string, string) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return string(body), "raw"
	}
	formatted, _ := json.MarshalIndent(data, "", "  ")
	return string(formatted), "json"
}

// htmlRule is one regex rewrite applied during HTML conversion. Rules run
// in table order, which matters: pre/code before tag stripping, heading
// markers before paragraph flattening.
type htmlRule struct {
	re   *regexp.Regexp
	repl string
}

// Non-content elements removed before any conversion.
var htmlChromeRules = []htmlRule{
	{regexp.MustCompile(`(?is)<script[\s\S]*?</script>`), ""},
	{regexp.MustCompile(`(?is)<style[\s\S]*?</style>`), ""},
	{regexp.MustCompile(`<!--[\s\S]*?-->`), ""},
	{regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`), ""},
	{regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`), ""},
}

var htmlHeaderRule = htmlRule{regexp.MustCompile(`(?is)<header[\s\S]*?</header>`), ""}

// Markdown conversion rules, applied after chrome removal.
var htmlMarkdownRules = []htmlRule{
	{regexp.MustCompile(`(?i)<h1[^>]*>([\s\S]*?)</h1>`), "\n# $1\n"},
	{regexp.MustCompile(`(?i)<h2[^>]*>([\s\S]*?)</h2>`), "\n## $1\n"},
	{regexp.MustCompile(`(?i)<h3[^>]*>([\s\S]*?)</h3>`), "\n### $1\n"},
	{regexp.MustCompile(`(?i)<h4[^>]*>([\s\S]*?)</h4>`), "\n#### $1\n"},
	{regexp.MustCompile(`(?i)<h5[^>]*>([\s\S]*?)</h5>`), "\n##### $1\n"},
	{regexp.MustCompile(`(?i)<h6[^>]*>([\s\S]*?)</h6>`), "\n###### $1\n"},
	{regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`), "\n```\n$1\n```\n"},
	{regexp.MustCompile(`(?i)<code[^>]*>([\s\S]*?)</code>`), "`$1`"},
	{regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`), "[$2]($1)"},
	{regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`), "![$1]"},
	{regexp.MustCompile(`(?i)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`), "**$1**"},
	{regexp.MustCompile(`(?i)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`), "*$1*"},
	{regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`), "\n$1\n"},
	{regexp.MustCompile(`(?i)<br\s*/?>`), "\n"},
	{regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`), "\n- $1"},
}

// Structural rules for plain-text mode: block boundaries only, no markers.
var htmlTextRules = []htmlRule{
	{regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`), "\n$1\n"},
	{regexp.MustCompile(`(?i)<br\s*/?>`), "\n"},
	{regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`), "\n- $1"},
}

var (
	anyHTMLTagRe = regexp.MustCompile(`<[^>]+>`)
	blockquoteRe = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)
	multiNLRe    = regexp.MustCompile(`\n{3,}`)
	multiSPRe    = regexp.MustCompile(`[ \t]{2,}`)
)

func applyRules(s string, rules []htmlRule) string {
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// htmlToMarkdown converts HTML to a markdown-like format. Regex-based, not
// a full Readability pass, but covers the structures that matter for
// reading articles and docs.
func htmlToMarkdown(html string) string {
	s := applyRules(html, htmlChromeRules)

	// Blockquotes need per-line prefixing, so they get a function rule.
	s = blockquoteRe.ReplaceAllStringFunc(s, func(match string) string {
		inner := blockquoteRe.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}
		var quoted []string
		for _, l := range strings.Split(strings.TrimSpace(inner[1]), "\n") {
			quoted = append(quoted, "> "+strings.TrimSpace(l))
		}
		return "\n" + strings.Join(quoted, "\n") + "\n"
	})

	s = applyRules(s, htmlMarkdownRules)
	s = anyHTMLTagRe.ReplaceAllString(s, "")

	s = unescapeEntities(s)
	s = multiNLRe.ReplaceAllString(s, "\n\n")
	s = multiSPRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText extracts plain text from HTML content.
func htmlToText(html string) string {
	s := applyRules(html, htmlChromeRules)
	s = htmlHeaderRule.re.ReplaceAllString(s, "")
	s = applyRules(s, htmlTextRules)
	s = anyHTMLTagRe.ReplaceAllString(s, "")

	s = unescapeEntities(s)
	s = multiSPRe.ReplaceAllString(s, " ")
	s = multiNLRe.ReplaceAllString(s, "\n\n")

	var clean []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

var (
	mdHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeRe    = regexp.MustCompile("`[^`]+`")
	mdImageRe   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLinkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// flattenMarkdown strips markdown formatting for text mode.
func flattenMarkdown(md string) string {
	s := mdHeadingRe.ReplaceAllString(md, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = mdCodeRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = mdImageRe.ReplaceAllString(s, "$1")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = multiNLRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
	"&mdash;", "—",
	"&ndash;", "–",
	"&laquo;", "«",
	"&raquo;", "»",
	"&bull;", "•",
	"&hellip;", "...",
	"&copy;", "(c)",
	"&reg;", "(R)",
	"&trade;", "(TM)",
)

// unescapeEntities handles the common named HTML entities.
func unescapeEntities(s string) string {
	return entityReplacer.Replace(s)
}
