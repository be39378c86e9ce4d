package schemas

import "fmt"

// -- Locator Schemas --

// LocatorStrategy names the way a Locator's value should be interpreted
// when searching the page for a target element.
type LocatorStrategy string

const (
	// LocatorCSS treats the value as a CSS selector.
	LocatorCSS LocatorStrategy = "css"
	// LocatorXPath treats the value as an XPath expression.
	LocatorXPath LocatorStrategy = "xpath"
	// LocatorText matches elements whose visible text contains the value.
	LocatorText LocatorStrategy = "text"
	// LocatorAriaLabel matches elements whose aria-label equals the value.
	LocatorAriaLabel LocatorStrategy = "aria_label"
	// LocatorPlaceholder matches inputs whose placeholder equals the value.
	LocatorPlaceholder LocatorStrategy = "placeholder"
	// LocatorLabel matches form controls by their visible label text.
	LocatorLabel LocatorStrategy = "label"
)

// Locator is a symbolic, immutable reference to a UI element. It carries no
// session state; resolution happens fresh on every call.
type Locator struct {
	Strategy LocatorStrategy `json:"strategy"`
	Value    string          `json:"value"`
}

// CSS builds a CSS-selector locator.
func CSS(selector string) Locator {
	return Locator{Strategy: LocatorCSS, Value: selector}
}

// Text builds a visible-text locator.
func Text(text string) Locator {
	return Locator{Strategy: LocatorText, Value: text}
}

// String implements fmt.Stringer for log output.
func (l Locator) String() string {
	return fmt.Sprintf("%s=%q", l.Strategy, l.Value)
}

// IsZero reports whether the locator is empty.
func (l Locator) IsZero() bool {
	return l.Strategy == "" && l.Value == ""
}
