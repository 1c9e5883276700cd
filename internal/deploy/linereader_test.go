package deploy

import (
	"io"
	"reflect"
	"strings"
	"testing"
)

// chunkReader returns its content in fixed-size reads to simulate a
// log stream delivering arbitrary chunks.
type chunkReader struct {
	data []byte
	size int
	off  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.off >= len(c.data) {
		return 0, io.EOF
	}
	n := c.size
	if n > len(p) {
		n = len(p)
	}
	if c.off+n > len(c.data) {
		n = len(c.data) - c.off
	}
	copy(p, c.data[c.off:c.off+n])
	c.off += n
	return n, nil
}

func collectLines(r io.Reader) []string {
	var lines []string
	lr := newLineReader(func(line string) { lines = append(lines, line) })
	lr.Consume(r)
	return lines
}

func TestLineReaderSplitsLines(t *testing.T) {
	lines := collectLines(strings.NewReader("one\ntwo\nthree\n"))
	if !reflect.DeepEqual(lines, []string{"one", "two", "three"}) {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestLineReaderFlushesUnterminatedRemainder(t *testing.T) {
	lines := collectLines(strings.NewReader("complete\npartial"))
	if !reflect.DeepEqual(lines, []string{"complete", "partial"}) {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestLineReaderHandlesTinyChunks(t *testing.T) {
	lines := collectLines(&chunkReader{data: []byte("alpha\nbeta\ngamma"), size: 2})
	if !reflect.DeepEqual(lines, []string{"alpha", "beta", "gamma"}) {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestLineReaderTrimsCarriageReturns(t *testing.T) {
	lines := collectLines(strings.NewReader("windows\r\nunix\n"))
	if !reflect.DeepEqual(lines, []string{"windows", "unix"}) {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestLineReaderEmptyStream(t *testing.T) {
	if lines := collectLines(strings.NewReader("")); lines != nil {
		t.Fatalf("expected no lines, got %v", lines)
	}
}
