package source

import "time"

// TypeListing is the only source type the pipeline processes.
const TypeListing = "listing"

// Attribute kinds understood by the extractor. Any other value names a raw
// HTML attribute.
const (
	AttrText = "text"
	AttrHref = "href"
	AttrNode = "node"
)

// URLField is the listing field that carries the detail page address.
const URLField = "url"

// Config describes one site.
type Config struct {
	ID                string  `yaml:"id" json:"id"`
	Name              string  `yaml:"name" json:"name"`
	Type              string  `yaml:"type" json:"type"`
	DisableJavaScript bool    `yaml:"disableJavascript" json:"disableJavascript"`
	Listing           Listing `yaml:"listing" json:"listing"`
	Content           Content `yaml:"content" json:"content"`
}

// Listing describes the paginated index pages.
type Listing struct {
	URL               string               `yaml:"url" json:"url"`
	Pagination        Pagination           `yaml:"pagination" json:"pagination"`
	ContainerSelector string               `yaml:"container_selector" json:"container_selector"`
	Fields            map[string]FieldSpec `yaml:"fields" json:"fields"`
	Exclude           []ExcludeRule        `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Pagination controls how the walker moves between listing pages.
type Pagination struct {
	NextButtonSelector string `yaml:"next_button_selector" json:"next_button_selector"`
	// DelaySec is the pause between listing navigations. Nil means the
	// application default.
	DelaySec            *float64 `yaml:"delaySec,omitempty" json:"delaySec,omitempty"`
	MaxPages            int      `yaml:"maxPages,omitempty" json:"maxPages,omitempty"`
	StopOnAllDuplicates bool     `yaml:"stopOnAllDuplicates,omitempty" json:"stopOnAllDuplicates,omitempty"`
}

// Content describes the detail page.
type Content struct {
	ContainerSelector string               `yaml:"container_selector" json:"container_selector"`
	Fields            map[string]FieldSpec `yaml:"fields" json:"fields"`
}

// FieldSpec locates one value inside a container.
type FieldSpec struct {
	// Selector is resolved relative to the container. Empty selects the
	// container itself.
	Selector  string `yaml:"selector" json:"selector"`
	Attribute string `yaml:"attribute" json:"attribute"`
	Optional  bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
	// ExcludeSelectors name subtrees removed before the value is read.
	ExcludeSelectors []string `yaml:"exclude_selectors,omitempty" json:"exclude_selectors,omitempty"`
}

// Kind returns the attribute kind, defaulting to text.
func (f FieldSpec) Kind() string {
	if f.Attribute == "" {
		return AttrText
	}
	return f.Attribute
}

// Delay returns the inter-page delay, falling back to def when unset.
func (p Pagination) Delay(def time.Duration) time.Duration {
	if p.DelaySec == nil {
		return def
	}
	if *p.DelaySec <= 0 {
		return 0
	}
	return time.Duration(*p.DelaySec * float64(time.Second))
}

// MaxPagesOr returns the page cap, falling back to def when unset.
func (p Pagination) MaxPagesOr(def int) int {
	if p.MaxPages > 0 {
		return p.MaxPages
	}
	return def
}
