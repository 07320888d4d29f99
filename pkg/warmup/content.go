// Package warmup supplies low-volume simulated activity that builds an
// instance's reputation before it carries dispatch traffic.
package warmup

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// DefaultTexts is used when no content is supplied.
var DefaultTexts = []string{
	"Bom dia! Tudo certo por aí?",
	"Oi, passando para dar um alô.",
	"Boa tarde! Como foi o dia?",
	"Opa, conseguiu ver aquilo que comentei?",
	"Combinado, falamos mais tarde.",
	"Obrigado pelo retorno!",
	"Boa noite, até amanhã.",
	"Beleza, fico no aguardo.",
}

// ContentProvider rotates over warm-up texts. The cursor is owned by the
// provider; rotation is fair but carries no cross-process ordering.
type ContentProvider struct {
	mu     sync.Mutex
	texts  []string
	cursor int
}

// NewContentProvider normalizes texts to NFC and drops blanks. An empty
// result falls back to DefaultTexts.
func NewContentProvider(texts []string) *ContentProvider {
	clean := normalize(texts)
	if len(clean) == 0 {
		clean = normalize(DefaultTexts)
	}
	return &ContentProvider{texts: clean}
}

func normalize(texts []string) []string {
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(norm.NFC.String(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// RandomText returns the next text in round-robin order.
func (c *ContentProvider) RandomText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.texts[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.texts)
	return t
}

// Texts returns a copy of the rotation.
func (c *ContentProvider) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}
