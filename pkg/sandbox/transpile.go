package sandbox

import (
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
)

// transpile converts modern JavaScript (ES2020+) to ES2015 so the goja
// runtime can execute it: async/await, arrow functions, destructuring,
// template literals and the rest of the newer syntax.
func transpile(code string) (string, error) {
	result := api.Transform(code, api.TransformOptions{
		Target: api.ES2015,
		Format: api.FormatDefault,
		Loader: api.LoaderJS,
	})

	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		loc := ""
		if msg.Location != nil {
			loc = fmt.Sprintf(" at line %d, column %d", msg.Location.Line, msg.Location.Column)
		}
		return "", fmt.Errorf("syntax error%s: %s", loc, msg.Text)
	}

	return string(result.Code), nil
}
