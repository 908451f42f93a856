package syncrepl

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"gopkg.in/yaml.v3"
)

// TraceWriter records raw messages as a YAML document stream, one
// document per message.
type TraceWriter struct {
	enc   *yaml.Encoder
	count int
}

func NewTraceWriter(w io.Writer) *TraceWriter {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return &TraceWriter{enc: enc}
}

// Write appends msg to the trace.
func (t *TraceWriter) Write(msg *Message) error {
	if err := t.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to write trace message %d: %w", t.count, err)
	}
	t.count++
	return nil
}

// Count returns the number of messages written.
func (t *TraceWriter) Count() int {
	return t.count
}

// Close flushes the trace.
func (t *TraceWriter) Close() error {
	return t.enc.Close()
}

// ReadTrace yields the messages of a recorded trace in order.
func ReadTrace(r io.Reader) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		for n := 0; ; n++ {
			var msg Message
			err := dec.Decode(&msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("failed to read trace message %d: %w", n, err))
				return
			}
			if !yield(&msg, nil) {
				return
			}
		}
	}
}
