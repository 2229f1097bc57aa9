// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"html"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"
)

// =============================================================================
// SYNTAX HIGHLIGHTING (Chroma-based)
// =============================================================================

// codeStyles maps the page theme to a chroma style.
var codeStyles = map[string]string{
	"dark":  "monokai",
	"light": "github",
}

// codeRenderer renders fenced code blocks with chroma CSS classes. The
// matching stylesheet comes from css().
type codeRenderer struct {
	formatter *chromahtml.Formatter
	style     *chroma.Style
}

func newCodeRenderer(theme string) *codeRenderer {
	style := chromaStyles.Get(codeStyles[theme])
	if style == nil {
		style = chromaStyles.Fallback
	}
	return &codeRenderer{
		formatter: chromahtml.New(chromahtml.WithClasses(true)),
		style:     style,
	}
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *codeRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCode)
}

func (r *codeRenderer) renderFencedCode(w gmutil.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	block := node.(*ast.FencedCodeBlock)
	code := string(block.Lines().Value(source))

	var buf bytes.Buffer
	if err := r.highlight(&buf, code, string(block.Language(source))); err != nil {
		buf.Reset()
		buf.WriteString("<pre><code>")
		buf.WriteString(html.EscapeString(code))
		buf.WriteString("</code></pre>\n")
	}
	_, err := w.Write(buf.Bytes())
	return ast.WalkSkipChildren, err
}

func (r *codeRenderer) highlight(buf *bytes.Buffer, code, language string) error {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	iterator, err := chroma.Coalesce(lexer).Tokenise(nil, code)
	if err != nil {
		return err
	}
	return r.formatter.Format(buf, r.style, iterator)
}

// css returns the stylesheet for the highlighted classes.
func (r *codeRenderer) css() string {
	var sb strings.Builder
	if err := r.formatter.WriteCSS(&sb, r.style); err != nil {
		return ""
	}
	return sb.String()
}
