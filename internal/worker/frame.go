package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FrameType discriminates the closed set of frame variants a child can
// produce. Unrecognized input never disappears: line framings fall back
// to FrameLog, and notifications keep their raw topic so the event sink
// can surface unknown kinds.
type FrameType int

const (
	// FrameReply carries a payload (or error) correlated to a request id.
	FrameReply FrameType = iota
	// FrameNotification is out-of-band, addressed by topic.
	FrameNotification
	// FrameLog wraps unstructured text that did not parse as a frame.
	FrameLog
)

// Frame is one decoded unit from a child's output stream.
type Frame struct {
	Type    FrameType
	ID      string // reply correlation id; empty otherwise
	Topic   string // notification topic (event type, sentinel tag, or rpc method)
	Payload json.RawMessage
	Err     string // error message carried inside a reply
	Raw     string // original text for FrameLog
}

// Codec frames messages for one worker protocol. Decode must be
// resumable across partial reads and must return io.EOF once the
// underlying stream closes. Line-based codecs never fail on a bad line
// (they produce FrameLog); ContentLengthCodec returns an error wrapping
// ErrProtocol on a corrupt header, which is connection-fatal because the
// stream cannot be resynchronized.
type Codec interface {
	Encode(body []byte) []byte
	Decode(r *bufio.Reader) (Frame, error)
}

// LineCodec speaks one JSON object per newline-terminated line. The
// object's top-level "type" field becomes the notification topic; lines
// that are not JSON objects become FrameLog. Used by one-shot scripts.
type LineCodec struct{}

func (LineCodec) Encode(body []byte) []byte {
	return append(body, '\n')
}

func (LineCodec) Decode(r *bufio.Reader) (Frame, error) {
	line, err := readLine(r)
	if err != nil {
		return Frame{}, err
	}
	if line == "" {
		return Frame{Type: FrameLog, Raw: ""}, nil
	}
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal([]byte(line), &probe) != nil {
		return Frame{Type: FrameLog, Raw: line}, nil
	}
	return Frame{Type: FrameNotification, Topic: probe.Type, Payload: json.RawMessage(line)}, nil
}

// Sentinel prefixes used by the inference and HTTP serving protocols.
const (
	prefixResponse = "__RESPONSE__:"
	prefixReady    = "__READY__:"
	prefixRequest  = "__REQUEST__:"
	prefixError    = "__ERROR__:"
	prefixLog      = "__LOG__:"
)

// Topics produced by PrefixCodec for non-reply sentinel lines.
const (
	TopicReady      = "ready"
	TopicRequestLog = "request"
	TopicError      = "error"
	TopicLog        = "log"
)

// PrefixCodec speaks the sentinel-prefixed line protocol: each stdout
// line starts with one of the __X__: markers followed by a JSON body.
// Requests written to the child are single-line JSON objects without a
// prefix. A __RESPONSE__: body with a request_id becomes a FrameReply;
// everything unprefixed becomes FrameLog.
type PrefixCodec struct{}

func (PrefixCodec) Encode(body []byte) []byte {
	return append(body, '\n')
}

func (PrefixCodec) Decode(r *bufio.Reader) (Frame, error) {
	line, err := readLine(r)
	if err != nil {
		return Frame{}, err
	}
	switch {
	case strings.HasPrefix(line, prefixResponse):
		body := line[len(prefixResponse):]
		var probe struct {
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
			Message   string `json:"message"`
		}
		if json.Unmarshal([]byte(body), &probe) != nil || probe.RequestID == "" {
			return Frame{Type: FrameLog, Raw: line}, nil
		}
		f := Frame{Type: FrameReply, ID: probe.RequestID, Payload: json.RawMessage(body)}
		if probe.Status == "error" {
			f.Err = probe.Message
		}
		return f, nil
	case strings.HasPrefix(line, prefixReady):
		return Frame{Type: FrameNotification, Topic: TopicReady, Payload: json.RawMessage(line[len(prefixReady):])}, nil
	case strings.HasPrefix(line, prefixRequest):
		return Frame{Type: FrameNotification, Topic: TopicRequestLog, Payload: json.RawMessage(line[len(prefixRequest):])}, nil
	case strings.HasPrefix(line, prefixError):
		return Frame{Type: FrameNotification, Topic: TopicError, Payload: json.RawMessage(line[len(prefixError):])}, nil
	case strings.HasPrefix(line, prefixLog):
		return Frame{Type: FrameNotification, Topic: TopicLog, Payload: json.RawMessage(line[len(prefixLog):])}, nil
	default:
		return Frame{Type: FrameLog, Raw: line}, nil
	}
}

// ContentLengthCodec speaks LSP-style framing: a header block terminated
// by a blank line declares the exact UTF-8 byte length of the JSON body.
// The body may contain embedded newlines. Bodies follow JSON-RPC 2.0.
type ContentLengthCodec struct{}

func (ContentLengthCodec) Encode(body []byte) []byte {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	return append([]byte(header), body...)
}

func (ContentLengthCodec) Decode(r *bufio.Reader) (Frame, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			n, perr := strconv.Atoi(strings.TrimSpace(v))
			if perr != nil || n < 0 {
				return Frame{}, fmt.Errorf("%w: invalid Content-Length %q", ErrProtocol, v)
			}
			length = n
		}
		// other headers (Content-Type) are ignored
	}
	if length < 0 {
		return Frame{}, fmt.Errorf("%w: missing Content-Length header", ErrProtocol)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	return decodeJSONRPC(body)
}

func decodeJSONRPC(body []byte) (Frame, error) {
	var msg struct {
		ID     *json.RawMessage `json:"id"`
		Method string           `json:"method"`
		Params json.RawMessage  `json:"params"`
		Result json.RawMessage  `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return Frame{}, fmt.Errorf("%w: bad json-rpc body: %v", ErrProtocol, err)
	}
	// Server-initiated requests and notifications both carry a method;
	// route them by method name and let the client decide to answer.
	if msg.Method != "" {
		return Frame{Type: FrameNotification, Topic: msg.Method, Payload: msg.Params}, nil
	}
	if msg.ID == nil {
		return Frame{Type: FrameLog, Raw: string(body)}, nil
	}
	f := Frame{Type: FrameReply, ID: rpcIDString(*msg.ID), Payload: msg.Result}
	if msg.Error != nil {
		f.Err = msg.Error.Message
	}
	return f, nil
}

// rpcIDString normalizes a JSON-RPC id (number or string) to the map key
// used by the correlator.
func rpcIDString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}

// readLine reads one line, tolerating a final unterminated line before
// EOF. It returns io.EOF only when no data remains.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
