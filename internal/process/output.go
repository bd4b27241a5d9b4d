package process

import (
	"bufio"
	"io"
)

// Stream identifies which child pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OutputSink receives child output one line at a time, without the trailing newline.
// Implementations must be safe for concurrent use: stdout and stderr are pumped
// from separate goroutines.
type OutputSink interface {
	WriteLine(name string, stream Stream, line string)
}

// SinkFunc adapts a function to OutputSink.
type SinkFunc func(name string, stream Stream, line string)

func (f SinkFunc) WriteLine(name string, stream Stream, line string) { f(name, stream, line) }

// MultiSink fans a line out to every sink in order.
type MultiSink []OutputSink

func (m MultiSink) WriteLine(name string, stream Stream, line string) {
	for _, s := range m {
		if s != nil {
			s.WriteLine(name, stream, line)
		}
	}
}

// DiscardSink drops every line.
type DiscardSink struct{}

func (DiscardSink) WriteLine(string, Stream, string) {}

const maxLineBytes = 1 << 20

// pump forwards r line by line until EOF. Lines longer than maxLineBytes end
// forwarding; the rest of the stream is drained so the child never blocks on a full pipe.
func pump(r io.ReadCloser, name string, stream Stream, sink OutputSink) {
	defer func() { _ = r.Close() }()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		sink.WriteLine(name, stream, sc.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}
