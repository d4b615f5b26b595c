// Package source holds the declarative description of a crawlable site: the
// listing page, its pagination rule, the field selectors for listing
// containers and detail pages, and the exclusion rules applied to listing
// items. Configs are loaded from YAML or JSON files and are read-only once
// loaded.
package source
