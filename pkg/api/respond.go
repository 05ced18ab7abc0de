package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/droverhq/drover/pkg/fault"
)

// maxBodyBytes bounds request bodies. Specs carry free-form parameter
// maps but nothing the platform accepts should approach a megabyte.
const maxBodyBytes = 1 << 20

// errorBody is the wire shape of every error response. The code is
// the stable fault category; clients rebuild a categorized error from
// it, so retry classification survives the HTTP hop.
type errorBody struct {
	Code    fault.Code `json:"code"`
	Message string     `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// Encode failures past this point cannot change the status line.
	_ = json.NewEncoder(w).Encode(v)
}

// error maps a failure to its wire status via the fault taxonomy and
// writes the error envelope. Unknown errors surface as 500 INTERNAL.
func (s *Server) error(w http.ResponseWriter, r *http.Request, err error) {
	code := fault.CodeOf(err)
	status := fault.HTTPStatus(code)

	msg := err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) {
		msg = fe.Message
		if fe.Err != nil {
			msg = fe.Message + ": " + fe.Err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// decodeJSON reads a required JSON body. Unknown fields are rejected
// so typos in operator requests fail loudly instead of silently doing
// less than asked.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fault.New(fault.CodeSpecInvalid, "request body required")
		}
		return fault.Wrap(fault.CodeSpecInvalid, "malformed request body", err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints where the body may be
// omitted entirely; an empty body leaves v at its zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fault.Wrap(fault.CodeSpecInvalid, "malformed request body", err)
	}
	return nil
}
