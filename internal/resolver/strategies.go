// internal/resolver/strategies.go
package resolver

import (
	"regexp"
	"strings"

	"github.com/webpilot-ai/webpilot/api/schemas"
)

// strategySpec is the wire form handed to the page runtime: which matcher to
// run and with what target string.
type strategySpec struct {
	Name    string `json:"name"`
	Matcher string `json:"matcher"`
	Target  string `json:"target"`
}

// resolutionStrategy is one way of interpreting a locator against a document.
// Strategies run strictly in list order; the first hit wins.
type resolutionStrategy interface {
	// Spec returns the page-runtime probe for loc, or ok=false when the
	// strategy has nothing useful to try for this locator.
	Spec(loc schemas.Locator) (spec strategySpec, ok bool)
}

// directStrategy honors the locator's declared interpretation: a CSS locator
// becomes a selector query, an XPath locator an XPath query, and so on.
// Unspecified strategies default to CSS.
type directStrategy struct{}

func (directStrategy) Spec(loc schemas.Locator) (strategySpec, bool) {
	matcher := "css"
	switch loc.Strategy {
	case schemas.LocatorXPath:
		matcher = "xpath"
	case schemas.LocatorText:
		matcher = "clickable_text"
	case schemas.LocatorAriaLabel:
		matcher = "aria"
	case schemas.LocatorPlaceholder:
		matcher = "placeholder"
	case schemas.LocatorLabel:
		matcher = "label"
	}
	return strategySpec{Name: "direct", Matcher: matcher, Target: loc.Value}, true
}

var idLikePattern = regexp.MustCompile(`^#?[A-Za-z][A-Za-z0-9_.:-]*$`)

// idStrategy retries id-looking values as a plain id lookup, with or without
// the leading "#".
type idStrategy struct{}

func (idStrategy) Spec(loc schemas.Locator) (strategySpec, bool) {
	value := strings.TrimSpace(loc.Value)
	if !idLikePattern.MatchString(value) {
		return strategySpec{}, false
	}
	return strategySpec{Name: "id", Matcher: "id", Target: value}, true
}

// clickableTextStrategy matches buttons and links whose text contains the value.
type clickableTextStrategy struct{}

func (clickableTextStrategy) Spec(loc schemas.Locator) (strategySpec, bool) {
	return strategySpec{Name: "clickable_text", Matcher: "clickable_text", Target: loc.Value}, true
}

// anyTextStrategy matches any element owning a text node containing the value.
type anyTextStrategy struct{}

func (anyTextStrategy) Spec(loc schemas.Locator) (strategySpec, bool) {
	return strategySpec{Name: "any_text", Matcher: "any_text", Target: loc.Value}, true
}

// ariaLabelStrategy matches aria-label attributes exactly.
type ariaLabelStrategy struct{}

func (ariaLabelStrategy) Spec(loc schemas.Locator) (strategySpec, bool) {
	return strategySpec{Name: "aria_label", Matcher: "aria", Target: loc.Value}, true
}

// placeholderStrategy matches placeholder attributes exactly.
type placeholderStrategy struct{}

func (placeholderStrategy) Spec(loc schemas.Locator) (strategySpec, bool) {
	return strategySpec{Name: "placeholder", Matcher: "placeholder", Target: loc.Value}, true
}

// defaultStrategies returns the fixed resolution order.
func defaultStrategies() []resolutionStrategy {
	return []resolutionStrategy{
		directStrategy{},
		idStrategy{},
		clickableTextStrategy{},
		anyTextStrategy{},
		ariaLabelStrategy{},
		placeholderStrategy{},
	}
}

// buildSpecs expands the locator into the ordered list of page-runtime
// probes, dropping exact duplicates (a text locator's direct probe and the
// clickable-text fallback would otherwise run twice).
func (r *Resolver) buildSpecs(loc schemas.Locator) []strategySpec {
	seen := make(map[string]bool, len(r.strategies))
	specs := make([]strategySpec, 0, len(r.strategies))
	for _, s := range r.strategies {
		spec, ok := s.Spec(loc)
		if !ok {
			continue
		}
		key := spec.Matcher + "\x00" + spec.Target
		if seen[key] {
			continue
		}
		seen[key] = true
		specs = append(specs, spec)
	}
	return specs
}
