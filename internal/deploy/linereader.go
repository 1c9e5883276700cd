package deploy

import (
	"bytes"
	"io"
)

// lineReader buffers a byte stream and emits only completed lines.
// Pod log streams deliver arbitrary chunks; flushing partial lines
// would interleave half-written output into the structured log.
type lineReader struct {
	emit func(string)
	buf  bytes.Buffer
}

func newLineReader(emit func(string)) *lineReader {
	return &lineReader{emit: emit}
}

// Consume reads r to EOF, emitting each completed line without its
// trailing newline, then flushes any unterminated remainder.
func (l *lineReader) Consume(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			l.buf.Write(chunk[:n])
			l.drain()
		}
		if err != nil {
			break
		}
	}
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}

func (l *lineReader) drain() {
	for {
		data := l.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := string(bytes.TrimRight(data[:idx], "\r"))
		l.emit(line)
		l.buf.Next(idx + 1)
	}
}
