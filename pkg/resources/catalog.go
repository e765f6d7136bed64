// Package resources serves crisis contact bundles from memory.
//
// Bundles are compiled into the binary and validated once at
// construction. After that every lookup is a map read: rendering crisis
// resources must never touch the network, the store, or key material,
// and must never block. A compiled-in fallback guarantees a lookup can
// never come back empty.
package resources

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/solace-health/solace/core/pkg/contracts"
)

//go:embed bundles/*.yaml
var bundleFS embed.FS

//go:embed bundle.schema.json
var schemaSource string

const schemaURL = "https://solace.schemas.local/resources/bundle.schema.json"

// fallbackRegion is served when locale negotiation finds no match.
const fallbackRegion = "US"

// fallbackBundle is the last-resort bundle, kept as a Go literal so it
// exists independently of the embedded data.
var fallbackBundle = contracts.ResourceBundle{
	Region: "US",
	Locale: "en-US",
	Hotline: contracts.Hotline{
		Name:   "988 Suicide & Crisis Lifeline",
		Number: "988",
	},
	TextLine: contracts.TextLine{
		Number:  "741741",
		Keyword: "HOME",
	},
	EmergencyNumber: "911",
	SelfHelpScript: []string{
		"Find a comfortable position and let your shoulders drop.",
		"Breathe in for four counts, hold for four, breathe out for four. Repeat five times.",
		"Name five things you can see, four you can touch, three you can hear.",
		"If you can, move somewhere you feel safer and stay there for now.",
		"You do not have to handle this alone. The numbers above answer at any hour.",
	},
}

// Catalog holds the validated bundles. Read-only after construction and
// safe for concurrent use.
type Catalog struct {
	byRegion map[string]contracts.ResourceBundle
	matcher  language.Matcher
	tagOrder []string // matcher index -> region
}

// Option adjusts catalog construction.
type Option func(*catalogConfig)

type catalogConfig struct {
	overlays [][]byte
}

// WithOverlay adds a raw YAML bundle on top of the embedded set,
// replacing the embedded bundle for the same region. Overlays go through
// the same schema validation as compiled-in data.
func WithOverlay(raw []byte) Option {
	return func(cfg *catalogConfig) {
		cfg.overlays = append(cfg.overlays, raw)
	}
}

// New loads and validates every embedded bundle. Failure here is a build
// defect, not a runtime condition; callers treat it as fatal.
func New(opts ...Option) (*Catalog, error) {
	var cfg catalogConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	c := &Catalog{byRegion: make(map[string]contracts.ResourceBundle)}

	names, err := fs.Glob(bundleFS, "bundles/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("resources: list bundles: %w", err)
	}
	for _, name := range names {
		raw, err := fs.ReadFile(bundleFS, name)
		if err != nil {
			return nil, fmt.Errorf("resources: read %s: %w", name, err)
		}
		if err := c.install(schema, name, raw); err != nil {
			return nil, err
		}
	}
	for i, raw := range cfg.overlays {
		if err := c.install(schema, fmt.Sprintf("overlay[%d]", i), raw); err != nil {
			return nil, err
		}
	}

	if err := c.buildMatcher(); err != nil {
		return nil, err
	}
	return c, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaSource)); err != nil {
		return nil, fmt.Errorf("resources: load bundle schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("resources: compile bundle schema: %w", err)
	}
	return schema, nil
}

func (c *Catalog) install(schema *jsonschema.Schema, name string, raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("resources: parse %s: %w", name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("resources: validate %s: %w", name, err)
	}

	var b contracts.ResourceBundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return fmt.Errorf("resources: decode %s: %w", name, err)
	}
	if b.Empty() {
		return fmt.Errorf("resources: %s: bundle has no contact routes", name)
	}
	if _, err := language.Parse(b.Locale); err != nil {
		return fmt.Errorf("resources: %s: locale %q: %w", name, b.Locale, err)
	}

	c.byRegion[strings.ToUpper(b.Region)] = b
	return nil
}

// buildMatcher orders the fallback region first: the matcher returns
// index 0 when negotiation fails outright.
func (c *Catalog) buildMatcher() error {
	regions := make([]string, 0, len(c.byRegion))
	for r := range c.byRegion {
		if r == fallbackRegion {
			continue
		}
		regions = append(regions, r)
	}
	sort.Strings(regions)
	if _, ok := c.byRegion[fallbackRegion]; ok {
		regions = append([]string{fallbackRegion}, regions...)
	}

	tags := make([]language.Tag, 0, len(regions))
	c.tagOrder = c.tagOrder[:0]
	for _, r := range regions {
		tag, err := language.Parse(c.byRegion[r].Locale)
		if err != nil {
			return fmt.Errorf("resources: region %s: %w", r, err)
		}
		tags = append(tags, tag)
		c.tagOrder = append(c.tagOrder, r)
	}
	c.matcher = language.NewMatcher(tags)
	return nil
}

// ForLocale negotiates the best bundle for a BCP 47 locale string. It
// never fails: an unparseable or unmatched locale gets the fallback.
func (c *Catalog) ForLocale(locale string) contracts.ResourceBundle {
	tag, err := language.Parse(locale)
	if err != nil {
		return c.Fallback()
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No || idx >= len(c.tagOrder) {
		return c.Fallback()
	}
	return copyBundle(c.byRegion[c.tagOrder[idx]])
}

// ForRegion returns the bundle for an ISO 3166-1 region code.
func (c *Catalog) ForRegion(region string) (contracts.ResourceBundle, bool) {
	b, ok := c.byRegion[strings.ToUpper(region)]
	if !ok {
		return contracts.ResourceBundle{}, false
	}
	return copyBundle(b), true
}

// Fallback returns the bundle served when nothing better is known.
func (c *Catalog) Fallback() contracts.ResourceBundle {
	if b, ok := c.byRegion[fallbackRegion]; ok {
		return copyBundle(b)
	}
	return copyBundle(fallbackBundle)
}

// Regions lists the loaded region codes in sorted order.
func (c *Catalog) Regions() []string {
	out := make([]string, 0, len(c.byRegion))
	for r := range c.byRegion {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// copyBundle hands callers their own script slice so the catalog stays
// immutable.
func copyBundle(b contracts.ResourceBundle) contracts.ResourceBundle {
	out := b
	out.SelfHelpScript = append([]string(nil), b.SelfHelpScript...)
	return out
}
