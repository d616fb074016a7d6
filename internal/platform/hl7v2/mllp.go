package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	mllpMaxMessageSize = 1 << 20
)

// ErrNegativeAck is returned when the receiver answers with anything other
// than AA or CA.
var ErrNegativeAck = errors.New("hl7v2: negative acknowledgement")

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the first complete MLLP frame from data. It
// returns the message, the bytes after the frame, and whether a complete
// frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// Client sends messages to an HL7 receiver over MLLP/TCP, one connection
// per message.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient returns a client for host:port. timeout bounds the whole
// exchange when ctx carries no earlier deadline.
func NewClient(host string, port int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		timeout: timeout,
	}
}

// Addr returns the receiver address.
func (c *Client) Addr() string { return c.addr }

// Send frames and writes msg, waits for the reply and checks it is a
// positive acknowledgement. The parsed ACK is returned in both cases so the
// caller can log MSA-3.
func (c *Client) Send(ctx context.Context, msg []byte) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(FrameMessage(msg)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	raw, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	ack, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mllp: parse reply: %w", err)
	}

	switch code := ack.AckCode(); code {
	case "AA", "CA":
		return ack, nil
	default:
		return ack, fmt.Errorf("%w: %s %s", ErrNegativeAck, code, ack.AckText())
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				return nil, fmt.Errorf("mllp: reply exceeds %d bytes", mllpMaxMessageSize)
			}
			if msg, _, found := UnframeMessage(buf); found {
				return msg, nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("mllp: read reply: %w", err)
		}
	}
}

// GenerateACK builds an acknowledgement for incoming. ackCode is "AA"
// (accept), "AE" (error) or "AR" (reject). Sender and receiver are swapped
// and MSA-2 echoes the incoming control ID.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := ""
	if _, t, ok := strings.Cut(incoming.Type, "^"); ok {
		trigger = t
	}

	now := time.Now().UTC()
	timestamp := now.Format(hl7DateTime)
	controlID := "ACK" + now.Format("20060102150405.000")
	field := func(v string) Field { return Field{Value: v, Components: strings.Split(v, "^")} }

	return &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Segments: []Segment{
			{Name: "MSH", Fields: []Field{
				{Value: "|", Components: []string{"|"}},
				{Value: "^~\\&", Components: []string{"^~\\&"}},
				field(incoming.ReceivingApp),
				field(incoming.ReceivingFac),
				field(incoming.SendingApp),
				field(incoming.SendingFac),
				field(timestamp),
				field(""),
				field("ACK^" + trigger),
				field(controlID),
				field("P"),
				field(incoming.Version),
			}},
			{Name: "MSA", Fields: []Field{
				field(ackCode),
				field(incoming.ControlID),
				field(text),
			}},
		},
	}
}

// SerializeMessage converts a Message back into raw bytes with \r
// segment separators.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself.
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}
