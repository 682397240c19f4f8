package translator

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// signature cache sizes; old entries ageing out only costs the upstream
// a fresh start on reasoning context.
const (
	toolCacheSize = 4096
	textCacheSize = 4096
)

type sigEntry struct {
	Signature    string
	OriginalText string
}

// SignatureCache remembers thought signatures so later requests can
// re-attach them after clients drop the field. Lookups that miss are a
// normal condition, never an error.
type SignatureCache struct {
	byToolCallID *lru.Cache[string, string]
	byText       *lru.Cache[string, sigEntry]
}

// NewSignatureCache builds the bounded caches.
func NewSignatureCache() *SignatureCache {
	byTool, _ := lru.New[string, string](toolCacheSize)
	byText, _ := lru.New[string, sigEntry](textCacheSize)
	return &SignatureCache{byToolCallID: byTool, byText: byText}
}

// RememberToolCall associates a signature with a tool call id.
func (c *SignatureCache) RememberToolCall(id, signature string) {
	if id == "" || signature == "" {
		return
	}
	c.byToolCallID.Add(id, signature)
}

// LookupToolCall returns the signature stored for a tool call id.
func (c *SignatureCache) LookupToolCall(id string) string {
	if id == "" {
		return ""
	}
	sig, _ := c.byToolCallID.Get(id)
	return sig
}

// RememberText stores a signature under the raw, trimmed, and normalized
// variants of the thinking text.
func (c *SignatureCache) RememberText(text, signature string) {
	if text == "" || signature == "" {
		return
	}
	entry := sigEntry{Signature: signature, OriginalText: text}
	c.byText.Add(text, entry)
	if trimmed := strings.TrimSpace(text); trimmed != text && trimmed != "" {
		c.byText.Add(trimmed, entry)
	}
	if normalized := normalizeText(text); normalized != "" {
		c.byText.Add(normalized, entry)
	}
}

// LookupText finds a signature for the thinking text, trying raw, trimmed,
// then normalized forms.
func (c *SignatureCache) LookupText(text string) string {
	if text == "" {
		return ""
	}
	if entry, ok := c.byText.Get(text); ok {
		return entry.Signature
	}
	if entry, ok := c.byText.Get(strings.TrimSpace(text)); ok {
		return entry.Signature
	}
	if entry, ok := c.byText.Get(normalizeText(text)); ok {
		return entry.Signature
	}
	return ""
}

// normalizeText collapses whitespace and strips markdown punctuation so
// lightly reformatted thinking text still matches.
func normalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch r {
		case '*', '_', '`', '#', '>', '~':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
