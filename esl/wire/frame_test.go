package wire

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessage_CommandReply(t *testing.T) {
	raw := "Content-Type: command/reply\nReply-Text: +OK accepted\n\n"
	r := bufio.NewReader(strings.NewReader(raw))

	msg, err := ReadMessage(r)
	require.NoError(t, err)

	assert.Equal(t, KindCommandReply, msg.Kind)
	assert.Equal(t, "+OK accepted", msg.ReplyText())
	assert.Empty(t, msg.Body)
}

func TestReadMessage_EventPlainWithBody(t *testing.T) {
	body := "Event-Name: HEARTBEAT\nEvent-Sequence: 42\n\n"
	raw := "Content-Type: text/event-plain\nContent-Length: " + itoaTest(len(body)) + "\n\n" + body
	r := bufio.NewReader(strings.NewReader(raw))

	msg, err := ReadMessage(r)
	require.NoError(t, err)

	assert.Equal(t, KindEvent, msg.Kind)
	assert.Equal(t, body, string(msg.Body))

	inner, rest, err := ParseHeaderBlock(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "HEARTBEAT", inner.Value("Event-Name"))
	assert.Equal(t, "42", inner.Value("Event-Sequence"))
	assert.Empty(t, rest)
}

func TestReadMessage_UnknownContentType(t *testing.T) {
	raw := "Content-Type: text/bogus\n\n"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := ReadMessage(r)
	require.Error(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestReadMessage_TruncatedBody(t *testing.T) {
	raw := "Content-Type: command/reply\nContent-Length: 10\n\nabc"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := ReadMessage(r)
	require.Error(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestReadMessage_CleanEOFBetweenMessages(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))
	_, err := ReadMessage(r)
	require.Error(t, err)

	var protoErr *ProtocolError
	assert.False(t, errorsAsProtocol(err, &protoErr), "clean EOF before any header line must not be a ProtocolError")
}

func TestHeaderPercentRoundTrip(t *testing.T) {
	cases := []string{
		"plain value",
		"has: a colon",
		"has a % percent",
		"has\r\nnewlines",
		"mixed: %\r\n combo",
	}

	for _, v := range cases {
		encoded := percentEncode(v)
		decoded, err := percentDecode(encoded)
		require.NoError(t, err)
		assert.Equal(t, v, decoded, "round-trip for %q", v)
	}
}

func TestSerializeReadMessageRoundTrip(t *testing.T) {
	h := NewHeader()
	h.Set("Content-Type", "command/reply")
	h.Set("Reply-Text", "+OK: value, with a % and a\r\nbreak")

	msg := Message{Kind: KindCommandReply, Headers: h}
	raw := Serialize(msg)

	r := bufio.NewReader(strings.NewReader(string(raw)))
	got, err := ReadMessage(r)
	require.NoError(t, err)

	assert.Equal(t, msg.ReplyText(), got.ReplyText())
}

func TestBuildSendmsg_ContentLengthOnlyWhenBodyPresent(t *testing.T) {
	h := NewHeader()
	h.Set("call-command", "execute")

	noBody := BuildSendmsg("uuid-1", h, nil)
	assert.NotContains(t, string(noBody), "content-length")

	withBody := BuildSendmsg("uuid-1", h, []byte("hello"))
	assert.Contains(t, string(withBody), "content-length: 5")
	assert.True(t, strings.HasSuffix(string(withBody), "hello"))
}

func TestMalformedHeaderLine(t *testing.T) {
	raw := "this-has-no-colon\n\n"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := ReadMessage(r)
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func errorsAsProtocol(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
