// Package preview renders plugin files for display: Markdown through
// Goldmark, everything else textual through Chroma. Output is HTML with
// class-based highlighting; CSS returns the matching stylesheet.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

// Errors returned by Render.
var (
	ErrBinary   = errors.New("file is not text")
	ErrTooLarge = errors.New("file too large to preview")
)

// Kind tells the UI how a preview was produced.
type Kind string

// Preview kinds.
const (
	KindMarkdown Kind = "markdown"
	KindCode     Kind = "code"
)

// TOCItem represents a table of contents entry
type TOCItem struct {
	Level  int    `json:"level"`
	Title  string `json:"title"`
	Anchor string `json:"anchor"`
}

// Result is a rendered preview.
type Result struct {
	Kind     Kind      `json:"kind"`
	Language string    `json:"language,omitempty"`
	MimeType string    `json:"mimeType"`
	HTML     string    `json:"html"`
	TOC      []TOCItem `json:"toc,omitempty"`
	Title    string    `json:"title,omitempty"`
}

// Config configures a Renderer.
type Config struct {
	// MaxBytes caps the size of a previewed file; zero means 1 MiB.
	MaxBytes int64
	// Style is a Chroma style name, e.g. "github" or "monokai".
	Style string
}

// Renderer turns file content into sanitized HTML.
type Renderer struct {
	md        goldmark.Markdown
	policy    *bluemonday.Policy
	formatter *chromahtml.Formatter
	style     *chroma.Style
	maxBytes  int64
}

var classAttr = regexp.MustCompile(`^[\w\- ]+$`)

// NewRenderer creates a renderer with GFM extensions and syntax highlighting.
func NewRenderer(cfg Config) *Renderer {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	if cfg.Style == "" {
		cfg.Style = "github"
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Typographer,
			highlighting.NewHighlighting(
				highlighting.WithStyle(cfg.Style),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	// Plugin READMEs are third-party content.
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(classAttr).OnElements("span", "pre", "code", "div", "input")
	policy.AllowAttrs("id").Matching(bluemonday.SpaceSeparatedTokens).OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	policy.AllowAttrs("type", "checked", "disabled").OnElements("input")

	return &Renderer{
		md:        md,
		policy:    policy,
		formatter: chromahtml.New(chromahtml.WithClasses(true), chromahtml.WithLineNumbers(true)),
		style:     styles.Get(cfg.Style),
		maxBytes:  cfg.MaxBytes,
	}
}

// MaxBytes returns the largest file the renderer accepts.
func (r *Renderer) MaxBytes() int64 {
	return r.maxBytes
}

// Render previews the content of the file called name.
func (r *Renderer) Render(name string, content io.Reader) (*Result, error) {
	data, err := io.ReadAll(io.LimitReader(content, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", name, ErrTooLarge, r.maxBytes)
	}

	mt := mimetype.Detect(data)
	if !isText(mt, data) {
		return nil, fmt.Errorf("%s (%s): %w", name, mt.String(), ErrBinary)
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown":
		return r.renderMarkdown(data, mt)
	}
	return r.renderCode(name, data, mt)
}

func isText(mt *mimetype.MIME, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if !utf8.Valid(data) {
		return false
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func (r *Renderer) renderMarkdown(source []byte, mt *mimetype.MIME) (*Result, error) {
	var buf bytes.Buffer
	if err := r.md.Convert(source, &buf); err != nil {
		return nil, err
	}

	toc := r.extractTOC(source)
	title := ""
	if len(toc) > 0 {
		title = toc[0].Title
	}

	return &Result{
		Kind:     KindMarkdown,
		Language: "markdown",
		MimeType: mt.String(),
		HTML:     string(r.policy.SanitizeBytes(buf.Bytes())),
		TOC:      toc,
		Title:    title,
	}, nil
}

func (r *Renderer) renderCode(name string, source []byte, mt *mimetype.MIME) (*Result, error) {
	lexer := lexers.Match(path.Base(name))
	if lexer == nil {
		lexer = lexers.Analyse(string(source))
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, string(source))
	if err != nil {
		return nil, fmt.Errorf("tokenise %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := r.formatter.Format(&buf, r.style, it); err != nil {
		return nil, fmt.Errorf("format %s: %w", name, err)
	}

	return &Result{
		Kind:     KindCode,
		Language: strings.ToLower(lexer.Config().Name),
		MimeType: mt.String(),
		HTML:     buf.String(),
	}, nil
}

// CSS returns the stylesheet for the highlighting classes.
func (r *Renderer) CSS() (string, error) {
	var buf bytes.Buffer
	if err := r.formatter.WriteCSS(&buf, r.style); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// extractTOC walks the AST to extract headings
func (r *Renderer) extractTOC(source []byte) []TOCItem {
	doc := r.md.Parser().Parse(text.NewReader(source))

	var toc []TOCItem
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if heading, ok := n.(*ast.Heading); ok {
			title := extractText(heading, source)
			toc = append(toc, TOCItem{
				Level:  heading.Level,
				Title:  title,
				Anchor: generateAnchor(title),
			})
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil
	}
	return toc
}

func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
	}
	return buf.String()
}

var (
	anchorStrip  = regexp.MustCompile(`[^a-z0-9\-\p{Han}\p{Hiragana}\p{Katakana}]`)
	anchorHyphen = regexp.MustCompile(`-+`)
)

// generateAnchor creates a URL-safe anchor from text
func generateAnchor(title string) string {
	anchor := strings.ToLower(title)
	anchor = strings.ReplaceAll(anchor, " ", "-")
	anchor = anchorStrip.ReplaceAllString(anchor, "")
	anchor = anchorHyphen.ReplaceAllString(anchor, "-")
	return strings.Trim(anchor, "-")
}
