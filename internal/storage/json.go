package storage

import (
	"bytes"
	"encoding/json"
)

// EncodeJSON renders v as two-space indented JSON for a blob. HTML
// characters are written literally so a value keeps its stored size.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
