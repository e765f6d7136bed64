package contracts

// Hotline is a voice crisis line.
type Hotline struct {
	Name   string `json:"name" yaml:"name"`
	Number string `json:"number" yaml:"number"`
}

// TextLine is a crisis text service reached by sending a keyword to a
// short code.
type TextLine struct {
	Number  string `json:"number" yaml:"number"`
	Keyword string `json:"keyword" yaml:"keyword"`
}

// ResourceBundle is the set of emergency contacts and grounding steps for
// one region. Bundles are compiled into the binary and served from memory;
// rendering one must never require network, storage, or key material.
type ResourceBundle struct {
	Region          string   `json:"region" yaml:"region"`
	Locale          string   `json:"locale" yaml:"locale"`
	Hotline         Hotline  `json:"hotline" yaml:"hotline"`
	TextLine        TextLine `json:"text_line" yaml:"text_line"`
	EmergencyNumber string   `json:"emergency_number" yaml:"emergency_number"`
	SelfHelpScript  []string `json:"self_help_script" yaml:"self_help_script"`
}

// Empty reports whether the bundle is missing every contact route. An
// empty bundle must never be handed to a user in distress; callers fall
// back to the compiled-in default instead.
func (b ResourceBundle) Empty() bool {
	return b.Hotline.Number == "" && b.TextLine.Number == "" && b.EmergencyNumber == ""
}
