package source

import (
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/andybalholm/cascadia"
)

// Validate reports every structural problem with c joined into one error.
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.Type == "" {
		errs = append(errs, errors.New("type is required"))
	}

	if c.Listing.URL == "" {
		errs = append(errs, errors.New("listing.url is required"))
	} else if u, err := url.Parse(c.Listing.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("listing.url %q must be an absolute http(s) URL", c.Listing.URL))
	}
	if c.Listing.ContainerSelector == "" {
		errs = append(errs, errors.New("listing.container_selector is required"))
	} else if err := checkSelector(c.Listing.ContainerSelector); err != nil {
		errs = append(errs, fmt.Errorf("listing.container_selector: %w", err))
	}
	if c.Listing.Pagination.NextButtonSelector != "" {
		if err := checkSelector(c.Listing.Pagination.NextButtonSelector); err != nil {
			errs = append(errs, fmt.Errorf("listing.pagination.next_button_selector: %w", err))
		}
	}
	if d := c.Listing.Pagination.DelaySec; d != nil && *d < 0 {
		errs = append(errs, fmt.Errorf("listing.pagination.delaySec must be >= 0, got %v", *d))
	}
	if c.Listing.Pagination.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("listing.pagination.maxPages must be >= 0, got %d", c.Listing.Pagination.MaxPages))
	}

	if len(c.Listing.Fields) == 0 {
		errs = append(errs, errors.New("listing.fields is required"))
	} else if spec, ok := c.Listing.Fields[URLField]; !ok {
		errs = append(errs, fmt.Errorf("listing.fields must define %q", URLField))
	} else if spec.Optional {
		errs = append(errs, fmt.Errorf("listing.fields.%s cannot be optional", URLField))
	}
	errs = append(errs, checkFields("listing.fields", c.Listing.Fields)...)

	if len(c.Content.Fields) > 0 {
		if c.Content.ContainerSelector == "" {
			errs = append(errs, errors.New("content.container_selector is required when content.fields is set"))
		} else if err := checkSelector(c.Content.ContainerSelector); err != nil {
			errs = append(errs, fmt.Errorf("content.container_selector: %w", err))
		}
	}
	errs = append(errs, checkFields("content.fields", c.Content.Fields)...)

	if _, err := CompileExclusions(c.Listing.Exclude); err != nil {
		errs = append(errs, fmt.Errorf("listing.%w", err))
	}
	return errors.Join(errs...)
}

func checkFields(prefix string, fields map[string]FieldSpec) []error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		spec := fields[name]
		if name == "" {
			errs = append(errs, fmt.Errorf("%s: empty field name", prefix))
			continue
		}
		if spec.Selector != "" {
			if err := checkSelector(spec.Selector); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s.selector: %w", prefix, name, err))
			}
		}
		for _, ex := range spec.ExcludeSelectors {
			if err := checkSelector(ex); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s.exclude_selectors: %w", prefix, name, err))
			}
		}
	}
	return errs
}

func checkSelector(sel string) error {
	if _, err := cascadia.ParseGroup(sel); err != nil {
		return fmt.Errorf("invalid selector %q: %w", sel, err)
	}
	return nil
}
