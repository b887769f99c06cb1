package relay

import (
	"bufio"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/relayd-project/relayd/pkg/model"
)

const maxHeaderLine = 16 * 1024

// readRequestLine parses "METHOD PATH HTTP/1.1" and advances msg through
// READ_REQUEST_LINE -> READ_HEADERS (spec.md §4.5).
func readRequestLine(r *bufio.Reader, msg *model.MessageState) error {
	line, err := readLine(r)
	if err != nil {
		return fmt.Errorf("read request line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("malformed request line %q", line)
	}
	msg.Method = parts[0]
	target := parts[1]

	if u, err := url.Parse(target); err == nil {
		msg.Path = u.Path
		msg.RawQuery = u.RawQuery
		msg.URL = target
		for k, vs := range u.Query() {
			for _, v := range vs {
				msg.Query.Insert(model.NewKv(k, v))
			}
		}
	} else {
		msg.Path = target
		msg.URL = target
	}
	msg.Parse = model.StateReadHeaders
	return nil
}

// readStatusLine parses "HTTP/1.1 200 OK" for the response direction.
func readStatusLine(r *bufio.Reader, msg *model.MessageState) error {
	line, err := readLine(r)
	if err != nil {
		return fmt.Errorf("read status line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("malformed status code %q: %w", parts[1], err)
	}
	msg.StatusCode = code
	msg.Parse = model.StateReadHeaders
	return nil
}

// readHeaders consumes header lines up to the blank line terminator,
// populating msg.Headers and msg.Cookies, and derives ContentLength /
// Chunked for the body state that follows (spec.md §4.5 "on entering
// READ_HEADERS -> DONE, builds per-direction kv-trees").
func readHeaders(r *bufio.Reader, msg *model.MessageState) error {
	for {
		line, err := readLine(r)
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		msg.Headers.Insert(model.NewKv(name, value))

		switch strings.ToLower(name) {
		case "content-length":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				msg.ContentLength = n
				msg.BodyRemaining = n
			}
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				msg.Chunked = true
			}
		case "cookie":
			parseCookieHeader(value, msg.Cookies)
		}
	}

	switch {
	case msg.Chunked:
		msg.Parse = model.StateReadChunks
	case msg.ContentLength > 0:
		msg.Parse = model.StateReadBody
	default:
		msg.Parse = model.StateDone
	}
	return nil
}

func parseCookieHeader(value string, tree *model.KvTree) {
	for _, pair := range strings.Split(value, ";") {
		name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		tree.Insert(model.NewKv(strings.TrimSpace(name), strings.TrimSpace(val)))
	}
}

// serializeHeaders writes msg's (possibly rule-rewritten) headers back to
// w in canonical insertion order, matching spec.md §4.5 step 4.
func serializeHeaders(w *bufio.Writer, msg *model.MessageState, requestLine string) error {
	if _, err := w.WriteString(requestLine + "\r\n"); err != nil {
		return err
	}
	for _, kv := range msg.Headers.All() {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", kv.Key, kv.Value); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxHeaderLine {
		return "", fmt.Errorf("header line exceeds %d bytes", maxHeaderLine)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseMessage runs the full incremental state machine for one HTTP
// message (request or response) up through header completion; body
// bytes are pumped separately by the session's byte-copy loop using
// ContentLength/Chunked/BodyRemaining.
func parseMessage(r *bufio.Reader, msg *model.MessageState, isRequest bool) error {
	if isRequest {
		if err := readRequestLine(r, msg); err != nil {
			return err
		}
	} else {
		if err := readStatusLine(r, msg); err != nil {
			return err
		}
	}
	return readHeaders(r, msg)
}
