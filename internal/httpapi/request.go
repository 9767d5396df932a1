package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"predictd/pkg/types"
)

// errBodyTooLarge is returned when the body exceeds maxBodyBytes.
var errBodyTooLarge = errors.New("request body too large")

// parseInput decodes an HTTP request into a prediction input. Headers become
// properties with lower-case, underscore separated names; query parameters
// become properties as is. Top-level JSON fields and form fields become
// content entries; the raw body is always available as "data" except for
// form encodings.
func parseInput(w http.ResponseWriter, r *http.Request) (*types.Input, error) {
	in := types.NewInput()
	for k, vs := range r.Header {
		if len(vs) > 0 {
			in.Properties[headerKey(k)] = vs[0]
		}
	}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			in.Properties[k] = vs[0]
		}
	}
	if r.Body == nil {
		return in, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mt := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		parsed, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Type: %w", err)
		}
		mt = parsed
	}
	switch mt {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, bodyError(err)
		}
		for k, vs := range r.MultipartForm.Value {
			if len(vs) > 0 {
				in.Content[k] = []byte(vs[0])
			}
		}
		for k, fhs := range r.MultipartForm.File {
			if len(fhs) == 0 {
				continue
			}
			f, err := fhs[0].Open()
			if err != nil {
				return nil, fmt.Errorf("open form file %s: %w", k, err)
			}
			b, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("read form file %s: %w", k, err)
			}
			in.Content[k] = b
		}
		return in, nil
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, bodyError(err)
		}
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				in.Content[k] = []byte(vs[0])
			}
		}
		return in, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, bodyError(err)
	}
	if len(body) > 0 {
		in.Content["data"] = body
	}
	if mt == "application/json" && len(body) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			var probe any
			if jerr := json.Unmarshal(body, &probe); jerr != nil {
				return nil, fmt.Errorf("invalid JSON body: %w", jerr)
			}
			// Valid JSON that is not an object stays in "data" only.
			return in, nil
		}
		for k, raw := range fields {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				in.Content[k] = []byte(s)
				continue
			}
			in.Content[k] = []byte(raw)
		}
	}
	return in, nil
}

func headerKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "-", "_")
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return errBodyTooLarge
	}
	return fmt.Errorf("read body: %w", err)
}

// writeOutput writes a successful prediction.
func writeOutput(w http.ResponseWriter, out *types.Output) {
	for k, v := range out.Properties {
		w.Header().Set(k, v)
	}
	ct := out.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Body)
}
