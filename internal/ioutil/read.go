package ioutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxDrain bounds how much of an unwanted response body is read before the
// connection is handed back for reuse
const MaxDrain = 4096

// ReadLimited reads up to limit bytes from r and returns the content as a string.
// A read failure is described in the result instead of being dropped, since
// the output only ever ends up in error messages and logs.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// DecodeJSON decodes a single JSON value of at most limit bytes from r into v
func DecodeJSON(r io.Reader, limit int64, v any) error {
	return json.NewDecoder(io.LimitReader(r, limit)).Decode(v)
}

// DrainClose discards what is left of body, up to MaxDrain, and closes it
func DrainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxDrain))
	_ = body.Close()
}
