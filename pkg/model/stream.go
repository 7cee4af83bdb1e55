package model

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
)

const doneSentinel = "[DONE]"

// TokenStream is a single-consumer, pull-style sequence of generated text.
// The first successful Recv returns "" once the backend accepted the
// request. Recv returns io.EOF after the completion sentinel, after the
// backend closed the stream, and after any error has been reported once.
type TokenStream struct {
	ctx    context.Context
	client *Client
	prompt string

	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Recv returns the next fragment.
func (s *TokenStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	if s.body == nil {
		body, err := s.client.open(s.ctx, s.prompt)
		if err != nil {
			s.done = true
			return "", err
		}
		s.body = body
		s.scanner = bufio.NewScanner(body)
		s.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		return "", nil
	}

	for s.scanner.Scan() {
		data, ok := eventData(s.scanner.Text())
		if !ok {
			continue
		}
		if data == doneSentinel {
			s.finish()
			return "", io.EOF
		}

		token, err := parseChunk(data)
		if err != nil {
			s.finish()
			return "", err
		}
		return token, nil
	}

	err := s.scanner.Err()
	s.finish()
	if err != nil {
		return "", rnerrors.Wrap(err, rnerrors.ErrCodeUpstreamTransport, "Transport error")
	}
	// Closed without the sentinel counts as completion.
	return "", io.EOF
}

// Close abandons the stream. It is safe to call more than once.
func (s *TokenStream) Close() error {
	s.finish()
	return nil
}

func (s *TokenStream) finish() {
	s.done = true
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
}

// eventData extracts the payload of a "data:" line. Comments, blank lines,
// empty payloads and other fields are skipped.
func eventData(line string) (string, bool) {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	data = strings.TrimSpace(data)
	return data, data != ""
}

// parseChunk yields the content delta of the first choice. A chunk that
// carries a finish reason yields "".
func parseChunk(data string) (string, error) {
	var chunk StreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", parseFailure(err)
	}
	if len(chunk.Choices) == 0 {
		return "", parseFailure(fmt.Errorf("chunk has no choices"))
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != nil {
		return "", nil
	}
	if choice.Delta.Content == nil {
		return "", parseFailure(fmt.Errorf("chunk has no content delta"))
	}
	return *choice.Delta.Content, nil
}

func parseFailure(err error) error {
	return rnerrors.Wrap(err, rnerrors.ErrCodeUpstreamParse, "malformed stream chunk").
		WithUserMessage("Error parsing response.")
}
