package sink

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func TestBufferKeepsArrivalOrder(t *testing.T) {
	b := NewBuffer()
	b.Stdout("a")
	b.Stderr("b")
	b.Stdout("c")

	chunks := b.Chunks()
	want := []Chunk{{Stdout, "a"}, {Stderr, "b"}, {Stdout, "c"}}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(chunks))
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %+v, want %+v", i, chunks[i], want[i])
		}
	}

	if b.String() != "abc" {
		t.Errorf("expected 'abc', got %q", b.String())
	}
	if b.Text(Stdout) != "ac" {
		t.Errorf("expected stdout 'ac', got %q", b.Text(Stdout))
	}
	if b.Text(Stderr) != "b" {
		t.Errorf("expected stderr 'b', got %q", b.Text(Stderr))
	}
}

func TestBufferDropsEmptyChunks(t *testing.T) {
	b := NewBuffer()
	b.Stdout("")
	b.Stderr("")
	if b.Len() != 0 {
		t.Errorf("expected no chunks, got %d", b.Len())
	}
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer()
	b.Stdout("x")
	b.Clear()
	if b.Len() != 0 || b.String() != "" {
		t.Errorf("expected empty buffer after Clear, got %q", b.String())
	}
	b.Stdout("y")
	if b.String() != "y" {
		t.Errorf("expected 'y' after Clear, got %q", b.String())
	}
}

func TestBufferSince(t *testing.T) {
	b := NewBuffer()
	b.Stdout("1")
	b.Stdout("2")
	b.Stdout("3")

	if got := b.Since(1); len(got) != 2 || got[0].Text != "2" {
		t.Errorf("Since(1) = %+v", got)
	}
	if got := b.Since(3); got != nil {
		t.Errorf("Since(3) = %+v, want nil", got)
	}
	if got := b.Since(-1); len(got) != 3 {
		t.Errorf("Since(-1) returned %d chunks, want 3", len(got))
	}
}

func TestBufferChunksIsCopy(t *testing.T) {
	b := NewBuffer()
	b.Stdout("keep")
	chunks := b.Chunks()
	chunks[0].Text = "mutated"
	if b.String() != "keep" {
		t.Errorf("buffer mutated through Chunks(): %q", b.String())
	}
}

func TestBufferConcurrentAppend(t *testing.T) {
	b := NewBuffer()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Stdout(fmt.Sprint(n))
		}(i)
	}
	wg.Wait()
	if b.Len() != 50 {
		t.Errorf("expected 50 chunks, got %d", b.Len())
	}
}

func TestFuncsSkipsEmptyAndNil(t *testing.T) {
	var got []string
	f := Funcs{OnStdout: func(s string) { got = append(got, s) }}
	f.Stdout("")
	f.Stdout("hi")
	f.Stderr("ignored")
	if len(got) != 1 || got[0] != "hi" {
		t.Errorf("expected [hi], got %v", got)
	}
}

func TestWriterRoutesStream(t *testing.T) {
	b := NewBuffer()
	w := Writer(b, Stderr)
	n, err := w.Write([]byte("oops\n"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	chunks := b.Chunks()
	if len(chunks) != 1 || chunks[0].Stream != Stderr || chunks[0].Text != "oops\n" {
		t.Errorf("unexpected chunks: %+v", chunks)
	}
}

func TestWriters(t *testing.T) {
	var out, errOut bytes.Buffer
	s := Writers(&out, &errOut)
	s.Stdout("a")
	s.Stderr("b")
	if out.String() != "a" || errOut.String() != "b" {
		t.Errorf("stdout=%q stderr=%q", out.String(), errOut.String())
	}
}

func TestStreamString(t *testing.T) {
	if Stdout.String() != "stdout" || Stderr.String() != "stderr" {
		t.Errorf("unexpected names: %s %s", Stdout, Stderr)
	}
}
