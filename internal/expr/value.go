package expr

import (
	"encoding/json"
	"fmt"
)

// stringifyComplex renders maps, slices and anything else not covered by
// the scalar cases in Stringify. JSON encoding keeps the result stable
// for use in comparisons.
func stringifyComplex(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
