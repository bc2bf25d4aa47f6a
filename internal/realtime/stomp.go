package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// stompVersion is the only protocol version the client negotiates.
const stompVersion = "1.2"

// frameConn carries STOMP frames over a websocket, one frame per text
// message. Writes are serialized because the heartbeat goroutine and
// the session goroutine share the connection.
type frameConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func (c *frameConn) writeFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Command, err)
	}
	return c.write(buf.Bytes())
}

// writeHeartbeat sends the single end-of-line heartbeat.
func (c *frameConn) writeHeartbeat() error {
	return c.write([]byte("\n"))
}

func (c *frameConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readFrames reads one websocket message and decodes every frame in
// it. Heartbeats are skipped, so the result may be empty. A deadline
// of zero waits indefinitely.
func (c *frameConn) readFrames(deadline time.Duration) ([]*frame.Frame, error) {
	var until time.Time
	if deadline > 0 {
		until = time.Now().Add(deadline)
	}
	if err := c.ws.SetReadDeadline(until); err != nil {
		return nil, err
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	r := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("decoding frame: %w", err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func (c *frameConn) close() error {
	return c.ws.Close()
}

// connectFrame builds the CONNECT frame. The Authorization header is
// read by the server's channel interceptor.
func connectFrame(host, bearer string, outgoing, incoming time.Duration) *frame.Frame {
	return frame.New(frame.CONNECT,
		frame.AcceptVersion, stompVersion,
		frame.Host, host,
		frame.HeartBeat, formatHeartBeat(outgoing, incoming),
		"Authorization", bearer,
	)
}

func subscribeFrame(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

func formatHeartBeat(outgoing, incoming time.Duration) string {
	return fmt.Sprintf("%d,%d", outgoing.Milliseconds(), incoming.Milliseconds())
}

// parseHeartBeat parses a "cx,cy" heart-beat header value. Malformed
// values mean no heartbeats.
func parseHeartBeat(v string) (time.Duration, time.Duration) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errY != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

// negotiate applies the STOMP heart-beat rules: a direction is active
// only when both sides want it, at the larger of the two intervals.
func negotiate(clientOut, clientIn time.Duration, serverHeader string) (out, in time.Duration) {
	serverOut, serverIn := parseHeartBeat(serverHeader)
	if clientOut > 0 && serverIn > 0 {
		out = max(clientOut, serverIn)
	}
	if clientIn > 0 && serverOut > 0 {
		in = max(clientIn, serverOut)
	}
	return out, in
}
