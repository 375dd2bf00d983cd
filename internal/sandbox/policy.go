package sandbox

import "strings"

// Policy selects the optional capabilities granted to the sandbox iframe.
// Scripts and same-origin access are always granted; popups, top-level
// navigation and pointer lock never are.
type Policy struct {
	AllowForms  bool `json:"allow_forms"`
	AllowModals bool `json:"allow_modals"`
}

// DefaultPolicy grants forms and modals.
func DefaultPolicy() Policy {
	return Policy{AllowForms: true, AllowModals: true}
}

// Attribute returns the value of the iframe sandbox attribute.
func (p Policy) Attribute() string {
	tokens := []string{"allow-scripts", "allow-same-origin"}
	if p.AllowForms {
		tokens = append(tokens, "allow-forms")
	}
	if p.AllowModals {
		tokens = append(tokens, "allow-modals")
	}
	return strings.Join(tokens, " ")
}

// ViewportPreset is a named preview width. Width is a CSS length.
type ViewportPreset struct {
	Name  string `json:"name"`
	Width string `json:"width"`
}

var (
	Mobile  = ViewportPreset{Name: "mobile", Width: "375px"}
	Tablet  = ViewportPreset{Name: "tablet", Width: "768px"}
	Desktop = ViewportPreset{Name: "desktop", Width: "100%"}
)

// Presets returns the built-in viewport presets.
func Presets() []ViewportPreset {
	return []ViewportPreset{Mobile, Tablet, Desktop}
}

// PresetByName looks up a preset among presets, falling back to the
// built-ins when presets is empty. Matching ignores case.
func PresetByName(name string, presets ...ViewportPreset) (ViewportPreset, bool) {
	if len(presets) == 0 {
		presets = Presets()
	}
	for _, p := range presets {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return ViewportPreset{}, false
}
