package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// decodeRequest reads a strict JSON body into dst, mapping decode problems to
// invalid_body.
func decodeRequest(r *http.Request, dst any) error {
	limited := io.LimitReader(r.Body, jsonBodyLimit)
	if err := decodeJSONBody(limited, dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

// decodeOptionalRequest is decodeRequest for endpoints whose body may be
// empty, like lock acquisition with default timeout.
func decodeOptionalRequest(r *http.Request, dst any) error {
	limited := io.LimitReader(r.Body, jsonBodyLimit)
	if err := decodeJSONBody(limited, dst, jsonDecodeOptions{allowEmpty: true, disallowUnknowns: true}); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

// datasetID extracts the {id} path segment.
func datasetID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if id == "" {
		return "", httpError{Status: http.StatusBadRequest, Code: "validation_error", Detail: "dataset id required"}
	}
	return id, nil
}

// queryBool parses a boolean query parameter, returning def when absent.
func queryBool(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, httpError{
			Status: http.StatusBadRequest,
			Code:   "validation_error",
			Detail: fmt.Sprintf("invalid %s parameter", name),
		}
	}
	return v, nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, httpError{
			Status: http.StatusBadRequest,
			Code:   "validation_error",
			Detail: fmt.Sprintf("invalid %s parameter", name),
		}
	}
	return v, nil
}
