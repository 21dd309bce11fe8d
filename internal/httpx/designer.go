package httpx

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed assets/designer.html
var designerHTML string

// modePlaceholder is the token in the designer asset that carries page
// options; it is substituted per request with the serving mode.
const modePlaceholder = "__options__"

func designerPage(mode string) string {
	options := fmt.Sprintf(`{"mode": %q}`, mode)
	return strings.ReplaceAll(designerHTML, modePlaceholder, options)
}
