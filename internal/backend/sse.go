package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"unicode/utf8"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// ErrorFragment renders a transport failure as visible answer text
func ErrorFragment(err error) string {
	return "error: " + err.Error()
}

// Deltas decodes a server-sent-event body into its text deltas.
// A read failure is yielded as a single ErrorFragment and ends the sequence.
// The returned sequence can be ranged over only once.
func Deltas(r io.Reader) iter.Seq[string] {
	used := false
	return func(yield func(string) bool) {
		if used {
			return
		}
		used = true

		stopped := false
		err := decodeFrames(r, func(fragment string) bool {
			if !yield(fragment) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(ErrorFragment(err))
		}
	}
}

// decodeFrames reads frames line by line and hands every non-empty delta to yield.
// It returns nil on [DONE], on EOF, or when yield asks to stop; any other read
// error is returned as is.
func decodeFrames(r io.Reader, yield func(string) bool) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			fragment, done := parseFrame(line)
			if done {
				return nil
			}
			if fragment != "" && !yield(fragment) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// parseFrame extracts choices[0].delta.content from one line.
// Blank, non-data, non-UTF-8 and malformed lines all produce an empty fragment.
func parseFrame(line []byte) (fragment string, done bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 || !utf8.Valid(line) {
		return "", false
	}

	payload, ok := bytes.CutPrefix(line, []byte(dataPrefix))
	if !ok {
		return "", false
	}
	if string(payload) == doneSentinel {
		return "", true
	}

	var chunk ChatCompletionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, false
}
