package api

import (
	"fmt"
	"net/http"
	"strconv"
)

// parseIntQuery reads an optional non-negative integer query parameter.
// Absent or empty values return 0; callers treat 0 as "use the default".
func parseIntQuery(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: must be a non-negative integer", key)
	}
	return n, nil
}

func parseIntQueryOrWriteInvalid(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	n, err := parseIntQuery(r, key)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return 0, false
	}
	return n, true
}
