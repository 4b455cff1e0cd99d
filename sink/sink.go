// Package sink provides the append-only output channel that execution
// backends write into and consumers own.
//
// Output is delivered as ordered chunks tagged [Stdout] or [Stderr]. A
// [Buffer] keeps the chunks a consumer has received; [Funcs] adapts plain
// callbacks; [Writer] exposes one stream of a [Sink] as an io.Writer so a
// runtime's native output can be wired straight through.
package sink

import (
	"io"
	"strings"
	"sync"
)

// Stream identifies which output channel a chunk belongs to.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Chunk is one ordered fragment of output.
type Chunk struct {
	Stream Stream `json:"stream"`
	Text   string `json:"text"`
}

// Sink receives output fragments. Implementations must tolerate calls from
// goroutines other than the one that created them.
type Sink interface {
	Stdout(text string)
	Stderr(text string)
}

// Emit delivers text to the given stream of s. Empty text is dropped.
func Emit(s Sink, stream Stream, text string) {
	if s == nil || text == "" {
		return
	}
	if stream == Stderr {
		s.Stderr(text)
		return
	}
	s.Stdout(text)
}

// Funcs adapts a pair of callbacks to a Sink. Nil callbacks and empty text
// are ignored.
type Funcs struct {
	OnStdout func(text string)
	OnStderr func(text string)
}

func (f Funcs) Stdout(text string) {
	if f.OnStdout != nil && text != "" {
		f.OnStdout(text)
	}
}

func (f Funcs) Stderr(text string) {
	if f.OnStderr != nil && text != "" {
		f.OnStderr(text)
	}
}

// Discard is a Sink that drops everything.
var Discard Sink = Funcs{}

// Writers returns a Sink that writes each stream to the matching writer.
func Writers(stdout, stderr io.Writer) Sink {
	return Funcs{
		OnStdout: func(text string) { io.WriteString(stdout, text) },
		OnStderr: func(text string) { io.WriteString(stderr, text) },
	}
}

// Writer exposes one stream of s as an io.Writer.
func Writer(s Sink, stream Stream) io.Writer {
	return &streamWriter{sink: s, stream: stream}
}

type streamWriter struct {
	sink   Sink
	stream Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	Emit(w.sink, w.stream, string(p))
	return len(p), nil
}

// Buffer is a consumer-owned, append-only chunk log.
type Buffer struct {
	mu     sync.Mutex
	chunks []Chunk
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Stdout(text string) { b.Append(Chunk{Stream: Stdout, Text: text}) }
func (b *Buffer) Stderr(text string) { b.Append(Chunk{Stream: Stderr, Text: text}) }

// Append adds c to the end of the buffer. Empty chunks are dropped.
func (b *Buffer) Append(c Chunk) {
	if c.Text == "" {
		return
	}
	b.mu.Lock()
	b.chunks = append(b.chunks, c)
	b.mu.Unlock()
}

// Chunks returns a copy of all chunks in arrival order.
func (b *Buffer) Chunks() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Chunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Since returns the chunks appended after the first n.
func (b *Buffer) Since(n int) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= len(b.chunks) {
		return nil
	}
	out := make([]Chunk, len(b.chunks)-n)
	copy(out, b.chunks[n:])
	return out
}

// Len returns the number of chunks held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// String concatenates every chunk regardless of stream.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, c := range b.chunks {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// Text concatenates the chunks of a single stream.
func (b *Buffer) Text(stream Stream) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, c := range b.chunks {
		if c.Stream == stream {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// Clear drops every chunk.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.chunks = nil
	b.mu.Unlock()
}
