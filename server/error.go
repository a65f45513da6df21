package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dexidp/extauth/apierror"
)

// writeError maps err to the apierror.Error it wraps (or a sanitized 500
// if it doesn't) and writes the spec §7 wire shape.
func writeError(w http.ResponseWriter, err error) {
	var aerr *apierror.Error
	if !errors.As(err, &aerr) {
		aerr = apierror.Internal()
	}
	writeJSON(w, aerr.Kind.Status(), aerr)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
