package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// object is a decoded JSON request body.
type object map[string]any

// badRequest is returned by body parsers; its message is sent to the client
// verbatim.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func invalid(msg string) error { return &badRequest{msg: msg} }

// decodeObject reads the request body as a JSON object.
func decodeObject(w http.ResponseWriter, r *http.Request) (object, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, invalid("Invalid JSON")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, invalid("Invalid JSON")
	}
	if dec.More() {
		return nil, invalid("Invalid JSON")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("Expected JSON object")
	}
	return object(m), nil
}

// decodeOptional is decodeObject for endpoints whose body may be absent or
// malformed; both read as an empty object.
func decodeOptional(w http.ResponseWriter, r *http.Request) object {
	m, err := decodeObject(w, r)
	if err != nil {
		return object{}
	}
	return m
}

// optString returns the string at key. A missing or null key yields "". Any
// other non-string value is an error carrying msg.
func (o object) optString(key, msg string) (string, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(msg)
	}
	return s, nil
}

// text returns the trimmed-nonempty string at key, or false.
func (o object) text(key string) (string, bool) {
	s, ok := o[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// truthy reports the truth value of key the way loosely typed clients
// expect: false, 0, "", null, empty arrays and empty objects are false.
func (o object) truthy(key string) bool {
	switch v := o[key].(type) {
	case nil:
		return false
	case bool:
		return v
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// seconds parses a non-negative offset in seconds from a number or a
// numeric string. Negative values clamp to zero.
func seconds(v any) (float64, error) {
	var (
		f   float64
		err error
	)
	switch x := v.(type) {
	case json.Number:
		f, err = x.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	case bool:
		if x {
			f = 1
		}
	default:
		err = errors.New("not a number")
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalid("Invalid offset")
	}
	return max(f, 0), nil
}

// queryInt parses key from the query string, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeBadRequest sends err as a 400 when it is a parse error and reports
// whether it did.
func writeBadRequest(w http.ResponseWriter, err error) bool {
	var br *badRequest
	if errors.As(err, &br) {
		writeError(w, http.StatusBadRequest, br.msg)
		return true
	}
	return false
}
