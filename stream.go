package keygate

import (
	"bufio"
	"io"
	"strings"
)

// Stream is the normalized output stream shared by every provider. Next
// returns io.EOF exactly once after the final chunk; no chunk ever follows
// it. Providers that do not stream natively still produce this contract as
// a one-chunk stream.
type Stream interface {
	// Next returns the next chunk. Returns io.EOF when done.
	Next() (Chunk, error)

	// Close releases resources and signals completion.
	Close() error
}

// NewUnaryStream returns a Stream that yields content once, then io.EOF.
func NewUnaryStream(content string) Stream {
	return &unaryStream{content: content}
}

type unaryStream struct {
	content string
	done    bool
}

func (s *unaryStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	s.done = true
	return Chunk{Content: s.content}, nil
}

func (s *unaryStream) Close() error {
	s.done = true
	return nil
}

// ExtractFunc pulls the incremental text delta out of one SSE data payload.
// done=true marks the provider's terminal frame. A non-nil error marks the
// frame malformed; the relay skips it rather than aborting the stream.
type ExtractFunc func(data []byte) (delta string, done bool, err error)

// NewSSEStream relays a provider's server-sent-events body as normalized
// chunks. Lines are buffered across reads, so a data frame split between
// two network reads is never lost; a partial trailing line at EOF is still
// processed.
func NewSSEStream(body io.ReadCloser, extract ExtractFunc) Stream {
	return &sseStream{
		reader:  bufio.NewReader(body),
		body:    body,
		extract: extract,
	}
}

type sseStream struct {
	reader  *bufio.Reader
	body    io.ReadCloser
	extract ExtractFunc
	emitted bool // at least one non-empty chunk was delivered
	done    bool
}

func (s *sseStream) Next() (Chunk, error) {
	if s.done {
		return s.terminal()
	}

	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			if chunk, ok := s.consume(line); ok {
				return chunk, nil
			}
			if s.done {
				return s.terminal()
			}
		}
		if err != nil {
			// Upstream closed without an explicit terminal frame; treat
			// stream end as the sentinel.
			s.done = true
			return s.terminal()
		}
	}
}

// consume processes one line. It returns a chunk only for a well-formed data
// frame with a non-empty delta.
func (s *sseStream) consume(line string) (Chunk, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data:") {
		return Chunk{}, false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		s.done = true
		return Chunk{}, false
	}

	delta, done, err := s.extract([]byte(data))
	if err != nil {
		// One bad frame does not abort an otherwise good stream.
		return Chunk{}, false
	}
	if done {
		s.done = true
	}
	if delta == "" {
		return Chunk{}, false
	}

	s.emitted = true
	return Chunk{Content: delta}, true
}

// terminal pins the end state: a stream that finished without ever emitting
// content is an explicit empty-response error, not a silent success.
func (s *sseStream) terminal() (Chunk, error) {
	if !s.emitted {
		return Chunk{}, ErrEmptyResponse
	}
	return Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

// Collect drains a stream into a single string, closing it afterwards.
// Convenience for callers that do not care about incremental delivery.
func Collect(s Stream) (string, error) {
	defer s.Close()

	var b strings.Builder
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk.Content)
	}
}
