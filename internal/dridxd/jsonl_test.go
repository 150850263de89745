package dridxd

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestReadOneLineSkipsBlanks(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\n\n{\"a\":1}\n{\"b\":2}\n"))

	line, err := ReadOneLine(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(line) != `{"a":1}` {
		t.Fatalf("line = %q", line)
	}
	line, err = ReadOneLine(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(line) != `{"b":2}` {
		t.Fatalf("line = %q", line)
	}
}

func TestReadOneLineWithoutTrailingNewline(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(`{"a":1}`))
	line, err := ReadOneLine(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(line) != `{"a":1}` {
		t.Fatalf("line = %q", line)
	}
}

func TestWriteOneLineAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOneLine(&buf, Response{JSONRPC: "2.0", Result: "ok"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("no trailing newline: %q", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("more than one line: %q", out)
	}
}
