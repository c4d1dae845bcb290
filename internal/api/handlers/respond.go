package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/idp-studio/engine/internal/api/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	writeJSON(w, types.HTTPStatus(err), types.APIResponse{Success: false, Error: types.FromAppError(err)})
}

func respondInvalid(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, types.APIResponse{
		Success: false,
		Error:   &types.APIError{Code: "invalid", Message: msg},
	})
}

// decodeValid decodes the JSON body into dst and runs struct validation.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondInvalid(w, "invalid json")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondInvalid(w, err.Error())
		return false
	}
	return true
}

func wantsWait(r *http.Request) bool {
	switch r.URL.Query().Get("wait") {
	case "1", "true":
		return true
	}
	return false
}

func queryInt(r *http.Request, key, fallback string) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		s = fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
