package research

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// Excerpt is the condensed form of a fetched page.
type Excerpt struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Markdown string `json:"markdown"`
}

// Converter condenses fetched HTML into a markdown excerpt. Readability
// extraction strips navigation and boilerplate; conversion to markdown keeps
// the excerpt compact enough to feed back into a prompt.
type Converter struct {
	converter *md.Converter
	maxLen    int
}

// NewConverter creates a converter. maxLen caps the excerpt length in bytes;
// 0 means no cap.
func NewConverter(maxLen int) *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &Converter{
		converter: converter,
		maxLen:    maxLen,
	}
}

// Convert extracts the readable article from a fetched page and renders it
// as a markdown excerpt.
func (c *Converter) Convert(page *Page) (*Excerpt, error) {
	pageURL, _ := url.Parse(page.URL)

	content := string(page.Body)
	title := ""

	article, err := readability.FromReader(bytes.NewReader(page.Body), pageURL)
	if err == nil && article.Content != "" {
		content = article.Content
		title = article.Title
	} else {
		// Readability gave up on this page, fall back to a raw cleanup.
		content = scriptRe.ReplaceAllString(content, "")
		content = styleRe.ReplaceAllString(content, "")
		title = extractHTMLTitle(page.Body)
	}

	markdown, err := c.converter.ConvertString(content)
	if err != nil {
		return nil, err
	}
	markdown = cleanMarkdown(markdown)

	if title == "" {
		title = extractMarkdownTitle(markdown)
	}
	if c.maxLen > 0 && len(markdown) > c.maxLen {
		markdown = truncateAtBoundary(markdown, c.maxLen)
	}

	return &Excerpt{
		URL:      page.URL,
		Title:    title,
		Markdown: markdown,
	}, nil
}

// extractHTMLTitle pulls the <title> text out of raw HTML.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}

	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil && title == ""; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title
}

// extractMarkdownTitle returns the first H1 heading, if any.
func extractMarkdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// cleanMarkdown collapses excessive blank lines and trailing whitespace.
func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// truncateAtBoundary cuts markdown at the last line break before max so an
// excerpt never ends mid-sentence.
func truncateAtBoundary(content string, max int) string {
	if len(content) <= max {
		return content
	}
	cut := content[:max]
	if idx := strings.LastIndexByte(cut, '\n'); idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
