package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errBadKey = errors.New("unknown api key")

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
