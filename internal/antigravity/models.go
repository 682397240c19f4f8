package antigravity

import "strings"

// Public model names map to upstream internal names on the wire. The table
// mirrors what the Antigravity IDE ships.
var modelAliases = map[string]string{
	"gemini-2.5-computer-use-preview-10-2025": "rev19-uic3-1p",
	"gemini-2.5-image-pro-preview":            "rev19-uic3-img-1p",
	"gemini-2.5-flash":                        "rev19-f1-1p",
	"gemini-2.5-flash-lite":                   "rev19-f1-lite-1p",
	"gemini-3-flash-preview":                  "gemini-3-flash",
	"gemini-3-pro-image-preview":              "gemini-3-pro-image",
	"gemini-3-pro-preview":                    "gemini-3-pro-high",
	"gemini-3-pro-low-preview":                "gemini-3-pro-low",
	"claude-sonnet-4-5":                       "antigravity-claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking":              "antigravity-claude-sonnet-4-5-thinking",
	"claude-opus-4-5-thinking":                "antigravity-claude-opus-4-5-thinking",
}

var upstreamAliases = func() map[string]string {
	m := make(map[string]string, len(modelAliases))
	for public, upstream := range modelAliases {
		m[upstream] = public
	}
	return m
}()

// WireModelName returns the upstream name for a public model id.
func WireModelName(model string) string {
	if alias, ok := modelAliases[model]; ok {
		return alias
	}
	return model
}

// PublicModelName reverses WireModelName.
func PublicModelName(model string) string {
	if public, ok := upstreamAliases[model]; ok {
		return public
	}
	return model
}

// ModelGroups partitions model names into classes sharing one quota pool.
// Exhausting one member exhausts the class.
var ModelGroups = map[string][]string{
	"Gemini 3": {
		"gemini-3-pro-high",
		"gemini-3-pro-low",
		"gemini-3-flash",
		"gemini-3-pro-image",
	},
	"Gemini其他": {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.5-flash-thinking",
		"gemini-2.5-computer-use-preview-10-2025",
	},
	"Claude": {
		"claude-sonnet-4-5",
		"claude-sonnet-4-5-thinking",
		"claude-opus-4-5-thinking",
	},
}

// GroupFor returns the group members containing model, or nil.
func GroupFor(model string) []string {
	for _, members := range ModelGroups {
		for _, m := range members {
			if m == model {
				return members
			}
		}
	}
	return nil
}

// reasoning models outside the -thinking naming convention
var reasoningModels = map[string]bool{
	"gemini-3-pro-high":      true,
	"gemini-3-pro-low":       true,
	"gemini-3-flash":         true,
	"gemini-3-pro-preview":   true,
	"gemini-3-flash-preview": true,
}

// IsClaudeModel reports whether the model routes to the Claude family.
func IsClaudeModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// IsGemini3Model reports whether the model accepts thought signatures.
func IsGemini3Model(model string) bool {
	return strings.Contains(strings.ToLower(model), "gemini-3")
}

// SupportsThinking reports whether thinking should be enabled for model.
func SupportsThinking(model string) bool {
	lower := strings.ToLower(model)
	if strings.HasSuffix(lower, "-thinking") {
		return true
	}
	if reasoningModels[lower] {
		return true
	}
	return strings.Contains(lower, "claude")
}
