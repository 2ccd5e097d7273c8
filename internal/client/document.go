package client

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrTraversal reports a path that runs through a value that is not an
// object.
var ErrTraversal = errors.New("client: path traverses a non-object value")

// decodeDocument parses plaintext as a JSON object. Anything else is kept
// verbatim under "raw_content".
func decodeDocument(plaintext []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil && !dec.More() {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return map[string]any{"raw_content": string(plaintext)}
}

func encodeDocument(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SetPath assigns value at the dot-separated path in doc, creating missing
// intermediate objects. doc is left untouched when the path crosses a
// non-object value.
func SetPath(doc map[string]any, path string, value any) error {
	keys := strings.Split(path, ".")
	cur := doc
	for i, k := range keys[:len(keys)-1] {
		next, ok := cur[k]
		if !ok {
			m := map[string]any{}
			cur[k] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return errors.Wrapf(ErrTraversal, "%q is not an object", strings.Join(keys[:i+1], "."))
		}
		cur = m
	}
	cur[keys[len(keys)-1]] = value
	return nil
}
