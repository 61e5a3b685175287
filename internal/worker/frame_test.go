package worker

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, c Codec, input string) []Frame {
	t.Helper()
	r := bufio.NewReader(strings.NewReader(input))
	var frames []Frame
	for {
		f, err := c.Decode(r)
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestLineCodecDecode(t *testing.T) {
	frames := decodeAll(t, LineCodec{},
		`{"type":"progress","percent":40}`+"\n"+
			"plain stderr-ish text\n"+
			`{"type":"complete","result":{"accuracy":0.93}}`+"\n")

	require.Len(t, frames, 3)
	assert.Equal(t, FrameNotification, frames[0].Type)
	assert.Equal(t, "progress", frames[0].Topic)
	assert.Equal(t, FrameLog, frames[1].Type)
	assert.Equal(t, "plain stderr-ish text", frames[1].Raw)
	assert.Equal(t, "complete", frames[2].Topic)
}

func TestLineCodecUnterminatedFinalLine(t *testing.T) {
	frames := decodeAll(t, LineCodec{}, `{"type":"exit","code":0}`)
	require.Len(t, frames, 1)
	assert.Equal(t, "exit", frames[0].Topic)
}

func TestPrefixCodecDecode(t *testing.T) {
	input := `__READY__:{"status":"ok","port":8080}` + "\n" +
		`__RESPONSE__:{"request_id":"7","status":"success","predictions":[1]}` + "\n" +
		`__RESPONSE__:{"request_id":"8","status":"error","message":"model not loaded"}` + "\n" +
		`__REQUEST__:{"method":"POST","path":"/predict"}` + "\n" +
		`__ERROR__:{"message":"bad input"}` + "\n" +
		`__LOG__:{"level":"info","message":"warmup done"}` + "\n" +
		"Traceback (most recent call last):\n"

	frames := decodeAll(t, PrefixCodec{}, input)
	require.Len(t, frames, 7)

	assert.Equal(t, FrameNotification, frames[0].Type)
	assert.Equal(t, TopicReady, frames[0].Topic)

	assert.Equal(t, FrameReply, frames[1].Type)
	assert.Equal(t, "7", frames[1].ID)
	assert.Empty(t, frames[1].Err)

	assert.Equal(t, FrameReply, frames[2].Type)
	assert.Equal(t, "8", frames[2].ID)
	assert.Equal(t, "model not loaded", frames[2].Err)

	assert.Equal(t, TopicRequestLog, frames[3].Topic)
	assert.Equal(t, TopicError, frames[4].Topic)
	assert.Equal(t, TopicLog, frames[5].Topic)

	assert.Equal(t, FrameLog, frames[6].Type)
	assert.Equal(t, "Traceback (most recent call last):", frames[6].Raw)
}

func TestPrefixCodecCorruptResponseBecomesLog(t *testing.T) {
	frames := decodeAll(t, PrefixCodec{}, "__RESPONSE__:not json at all\n")
	require.Len(t, frames, 1)
	assert.Equal(t, FrameLog, frames[0].Type)
}

func TestContentLengthRoundTrip(t *testing.T) {
	c := ContentLengthCodec{}
	body := []byte(`{"jsonrpc":"2.0","id":3,"result":{"capabilities":{}}}`)
	var buf bytes.Buffer
	buf.Write(c.Encode(body))
	buf.Write(c.Encode([]byte(`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"file:///a.py"}}`)))

	r := bufio.NewReader(&buf)
	f, err := c.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, FrameReply, f.Type)
	assert.Equal(t, "3", f.ID)

	f, err = c.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, FrameNotification, f.Type)
	assert.Equal(t, "textDocument/publishDiagnostics", f.Topic)

	_, err = c.Decode(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestContentLengthBodyWithNewlines(t *testing.T) {
	c := ContentLengthCodec{}
	body := []byte("{\n  \"jsonrpc\": \"2.0\",\n  \"id\": \"init\",\n  \"result\": null\n}")
	r := bufio.NewReader(bytes.NewReader(c.Encode(body)))
	f, err := c.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, FrameReply, f.Type)
	assert.Equal(t, "init", f.ID)
}

func TestContentLengthNonASCIIBody(t *testing.T) {
	// hover text from pyright is frequently non-ASCII; the declared
	// length must count UTF-8 bytes, not runes
	c := ContentLengthCodec{}
	body := []byte(`{"jsonrpc":"2.0","id":5,"result":{"contents":"変数 — переменная 🐍"}}`)
	encoded := c.Encode(body)
	assert.Contains(t, string(encoded), "Content-Length: "+strconv.Itoa(len(body))+"\r\n")

	var buf bytes.Buffer
	buf.Write(encoded)
	buf.Write(c.Encode([]byte(`{"jsonrpc":"2.0","id":6,"result":null}`)))

	r := bufio.NewReader(&buf)
	f, err := c.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, FrameReply, f.Type)
	assert.Equal(t, "5", f.ID)
	assert.Contains(t, string(f.Payload), "переменная")

	// the next frame starts exactly where the previous body ended
	f, err = c.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, "6", f.ID)
}

func TestContentLengthErrorReply(t *testing.T) {
	c := ContentLengthCodec{}
	body := []byte(`{"jsonrpc":"2.0","id":9,"error":{"code":-32601,"message":"method not found"}}`)
	r := bufio.NewReader(bytes.NewReader(c.Encode(body)))
	f, err := c.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, "9", f.ID)
	assert.Equal(t, "method not found", f.Err)
}

func TestContentLengthCorruptHeaderIsFatal(t *testing.T) {
	c := ContentLengthCodec{}
	for _, input := range []string{
		"Content-Length: banana\r\n\r\n{}",
		"Content-Length: -5\r\n\r\n{}",
		"X-Unknown: 1\r\n\r\n{}",
	} {
		r := bufio.NewReader(strings.NewReader(input))
		_, err := c.Decode(r)
		assert.ErrorIs(t, err, ErrProtocol, "input %q", input)
	}
}

func TestContentLengthTruncatedBody(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Length: 100\r\n\r\n{\"short\":true}"))
	_, err := ContentLengthCodec{}.Decode(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRPCIDString(t *testing.T) {
	assert.Equal(t, "12", rpcIDString([]byte("12")))
	assert.Equal(t, "abc", rpcIDString([]byte(`"abc"`)))
}
