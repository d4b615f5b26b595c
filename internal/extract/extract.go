// Package extract resolves declarative field specs against an HTML DOM.
package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

// Kind classifies the result of resolving one field.
type Kind int

const (
	// KindValue means the field produced a non-empty value.
	KindValue Kind = iota
	// KindMissingOptional means an optional field matched nothing.
	KindMissingOptional
	// KindMissingRequired means a required field matched nothing.
	KindMissingRequired
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindMissingOptional:
		return "missing-optional"
	case KindMissingRequired:
		return "missing-required"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of resolving one field in one container.
type Outcome struct {
	Field    string
	Kind     Kind
	Value    string
	Optional bool
	// Err is set for KindMissingRequired and wraps crawler.ErrFieldMissing.
	Err error
}

// Found reports whether the field produced a value.
func (o Outcome) Found() bool { return o.Kind == KindValue }

// Document is a parsed page together with the base URL hrefs resolve against.
type Document struct {
	doc  *goquery.Document
	base string
}

// Parse builds a Document from serialized HTML loaded from pageURL. A
// <base href> element overrides pageURL as the resolution base.
func Parse(pageURL, html string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		if resolved, err := crawler.ResolveURL(pageURL, href); err == nil {
			base = resolved
		}
	}
	return &Document{doc: doc, base: base}, nil
}

// Base returns the URL relative references resolve against.
func (d *Document) Base() string { return d.base }

// Find returns every node matching sel.
func (d *Document) Find(sel string) *goquery.Selection {
	return d.doc.Find(sel)
}

// Containers returns each node matching sel as its own selection.
func (d *Document) Containers(sel string) []*goquery.Selection {
	matches := d.doc.Find(sel)
	out := make([]*goquery.Selection, 0, matches.Length())
	matches.Each(func(_ int, s *goquery.Selection) {
		out = append(out, s)
	})
	return out
}

// Field resolves one spec inside container.
func (d *Document) Field(container *goquery.Selection, name string, spec source.FieldSpec) (out Outcome) {
	out = Outcome{Field: name, Optional: spec.Optional}
	defer func() {
		if r := recover(); r != nil {
			out.Value = ""
			out.markMissing(spec, fmt.Errorf("%w: %v", crawler.ErrFieldMissing, r))
		}
	}()

	value := d.resolve(container, spec)
	if value == "" {
		out.markMissing(spec, crawler.ErrFieldMissing)
		return out
	}
	out.Kind = KindValue
	out.Value = value
	return out
}

func (o *Outcome) markMissing(spec source.FieldSpec, cause error) {
	if spec.Optional {
		o.Kind = KindMissingOptional
		return
	}
	o.Kind = KindMissingRequired
	o.Err = &crawler.ExtractionError{Field: o.Field, Selector: spec.Selector, Err: cause}
}

// Fields resolves every spec in container. Values holds only found fields;
// outcomes are ordered by field name.
func (d *Document) Fields(container *goquery.Selection, specs map[string]source.FieldSpec) (map[string]string, []Outcome) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make(map[string]string, len(specs))
	outcomes := make([]Outcome, 0, len(specs))
	for _, name := range names {
		o := d.Field(container, name, specs[name])
		if o.Found() {
			values[name] = o.Value
		}
		outcomes = append(outcomes, o)
	}
	return values, outcomes
}

func (d *Document) resolve(container *goquery.Selection, spec source.FieldSpec) string {
	if container == nil || container.Length() == 0 {
		return ""
	}
	target := container.First()
	if spec.Selector != "" {
		target = container.Find(spec.Selector).First()
		if target.Length() == 0 {
			return ""
		}
	}
	if len(spec.ExcludeSelectors) > 0 {
		target = target.Clone()
		for _, ex := range spec.ExcludeSelectors {
			target.Find(ex).Remove()
		}
	}

	switch spec.Kind() {
	case source.AttrText:
		return CollapseWhitespace(target.Text())
	case source.AttrNode:
		html, err := goquery.OuterHtml(target)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(html)
	case source.AttrHref:
		href, ok := target.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return ""
		}
		resolved, err := crawler.ResolveURL(d.base, href)
		if err != nil {
			return ""
		}
		return resolved
	default:
		raw, _ := target.Attr(spec.Attribute)
		return strings.TrimSpace(raw)
	}
}

// OuterHTML serializes sel, returning "" on failure.
func OuterHTML(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	html, err := goquery.OuterHtml(sel.First())
	if err != nil {
		return ""
	}
	return html
}

// CollapseWhitespace trims s and folds internal whitespace runs to one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
