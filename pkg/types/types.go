package types

// Input is a decoded prediction request: string properties (headers, query
// parameters) plus named content entries (body fields, form values, raw body).
type Input struct {
	Properties map[string]string
	Content    map[string][]byte
}

// NewInput returns an empty Input ready to be filled.
func NewInput() *Input {
	return &Input{Properties: map[string]string{}, Content: map[string][]byte{}}
}

// Property returns the named property or def when absent or empty.
func (in *Input) Property(key, def string) string {
	if in == nil || in.Properties == nil {
		return def
	}
	if v, ok := in.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// ContentString returns the named content entry as a string.
func (in *Input) ContentString(key string) (string, bool) {
	if in == nil || in.Content == nil {
		return "", false
	}
	b, ok := in.Content[key]
	if !ok {
		return "", false
	}
	return string(b), true
}

// Lookup resolves key from properties first, then from content.
func (in *Input) Lookup(key string) string {
	if v := in.Property(key, ""); v != "" {
		return v
	}
	if v, ok := in.ContentString(key); ok {
		return v
	}
	return ""
}

// Output is the payload produced by a successful prediction.
type Output struct {
	// ContentType of Body; empty means application/octet-stream.
	ContentType string
	Body        []byte
	// Properties are returned to HTTP clients as response headers.
	Properties map[string]string
}
