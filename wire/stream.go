package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMessageTooLarge is returned by MessageReader when a line exceeds the
// configured limit.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// MessageReader reads newline-delimited JSON values.
type MessageReader struct {
	scanner *bufio.Scanner
}

// NewMessageReader returns a reader that rejects lines longer than limit bytes.
func NewMessageReader(r io.Reader, limit int) *MessageReader {
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	scanner := bufio.NewScanner(r)
	// The buffer holds the line and its trailing newline.
	scanner.Buffer(make([]byte, 0, min(64*1024, limit+1)), limit+1)
	return &MessageReader{scanner: scanner}
}

// Next decodes the next line into v. It returns io.EOF once the stream ends.
func (r *MessageReader) Next(v any) error {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("malformed message: %w", err)
		}
		return nil
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return ErrMessageTooLarge
		}
		return err
	}
	return io.EOF
}

// MessageWriter writes newline-delimited JSON values.
type MessageWriter struct {
	w     io.Writer
	limit int
}

// NewMessageWriter returns a writer that refuses values whose encoding is
// longer than limit bytes.
func NewMessageWriter(w io.Writer, limit int) *MessageWriter {
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	return &MessageWriter{w: w, limit: limit}
}

// Encode marshals v. Errors from json.Marshal are returned unchanged and an
// oversized encoding yields ErrMessageTooLarge; in both cases nothing is written.
func (w *MessageWriter) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > w.limit {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// Write encodes v and writes it followed by a newline.
func (w *MessageWriter) Write(v any) error {
	data, err := w.Encode(v)
	if err != nil {
		return err
	}
	return w.WriteRaw(data)
}

// WriteRaw writes an already encoded value followed by a newline.
func (w *MessageWriter) WriteRaw(data []byte) error {
	data = append(data, '\n')
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
