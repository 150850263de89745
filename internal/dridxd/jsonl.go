package dridxd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// The daemon frames its protocol as one JSON document per line. Blank
// lines between documents are tolerated, and a final document without a
// trailing newline is still delivered.

func ReadOneLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		if doc := bytes.TrimSpace(line); len(doc) > 0 {
			return doc, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func WriteOneLine(w io.Writer, obj any) error {
	return json.NewEncoder(w).Encode(obj)
}
