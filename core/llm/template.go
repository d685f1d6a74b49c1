package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/iceos-ai/iceos/common/apperrors"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_\.\[\]-]+)\s*\}\}`)

// RenderTemplate substitutes {{node.field}} placeholders in a prompt with
// values from the scope (node outputs plus resolved inputs). Paths are
// gjson paths over the JSON form of the scope.
func RenderTemplate(tmpl string, scope map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	doc, err := json.Marshal(scope)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "encode template scope")
	}

	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		res := gjson.GetBytes(doc, path)
		if !res.Exists() {
			missing = append(missing, path)
			return match
		}
		if res.Type == gjson.String {
			return res.String()
		}
		return res.Raw
	})

	if len(missing) > 0 {
		return "", apperrors.New(apperrors.KindValidation,
			"prompt references unresolved fields: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
