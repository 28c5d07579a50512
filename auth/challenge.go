package auth

import (
	"fmt"
	"sort"
	"strings"
)

// buildChallenge builds a challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. error and error_description come first, any
// other params follow alphabetically.
func buildChallenge(scheme, realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	rest := make([]string, 0, len(params))
	for k := range params {
		if k != "error" && k != "error_description" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(params[k])))
	}
	if len(pieces) == 0 {
		return scheme
	}
	return scheme + " " + strings.Join(pieces, ", ")
}
