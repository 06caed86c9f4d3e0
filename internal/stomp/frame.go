package stomp

import (
	"bytes"
	"fmt"
	"strings"
)

// STOMP commands used by this client. Only the subset the chat broker
// speaks is implemented.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

// Frame is a single STOMP 1.2 frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame from alternating header key/value pairs.
func NewFrame(command string, headers ...string) *Frame {
	f := &Frame{Command: command, Headers: make(map[string]string, len(headers)/2)}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers[headers[i]] = headers[i+1]
	}
	return f
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

var headerUnescaper = strings.NewReplacer(
	`\r`, "\r",
	`\n`, "\n",
	`\c`, ":",
	`\\`, `\`,
)

// Marshal serializes the frame: command line, header lines, blank line,
// body, NUL terminator.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for k, v := range f.Headers {
		buf.WriteString(headerEscaper.Replace(k))
		buf.WriteByte(':')
		buf.WriteString(headerEscaper.Replace(v))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Parse decodes a single frame from data. A lone newline (a heart-beat)
// yields a nil frame and no error.
func Parse(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, nil
	}

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("malformed frame: missing header terminator")
	}
	body = bytes.TrimSuffix(body, []byte{0})

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	f := &Frame{
		Command: lines[0],
		Headers: make(map[string]string, len(lines)-1),
		Body:    body,
	}
	if f.Command == "" {
		return nil, fmt.Errorf("malformed frame: empty command")
	}
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		key := headerUnescaper.Replace(k)
		// Per STOMP 1.2, repeated headers keep the first occurrence.
		if _, seen := f.Headers[key]; !seen {
			f.Headers[key] = headerUnescaper.Replace(v)
		}
	}
	return f, nil
}
