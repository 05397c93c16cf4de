package knx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// knxd protocol message types.
const (
	// EIBClose closes the knxd connection gracefully.
	EIBClose uint16 = 0x0006

	// EIBOpenVBusmonitor opens virtual bus monitor mode.
	// Every L_Data frame on the bus is delivered, including source addresses.
	EIBOpenVBusmonitor uint16 = 0x0012

	// EIBVBusmonitorPacket carries one monitored TP1 frame.
	EIBVBusmonitorPacket uint16 = 0x0014

	// EIBOpenGroupCon opens a group socket.
	// Format: type(2) + reserved(1) + write_only(1) + reserved(1)
	EIBOpenGroupCon uint16 = 0x0026

	// EIBGroupPacket sends a group telegram: GA(2) + APDU (2+ bytes).
	EIBGroupPacket uint16 = 0x0027
)

// Default timeouts and sizes for knxd communication.
const (
	// DefaultPort is the knxd TCP port.
	DefaultPort = 6720

	// defaultConnectTimeout is the maximum time to wait for a session to open.
	defaultConnectTimeout = 10 * time.Second

	// defaultMonitorTimeout bounds a single MonitorNext call.
	defaultMonitorTimeout = 2 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// knxdHeaderSize is the size of the knxd message header (size + type).
	knxdHeaderSize = 4

	// readBufferSize is the size of the read buffer for incoming messages.
	readBufferSize = 256

	// minLDataFrameSize is ctrl(1) + src(2) + dst(2) + info(1) + tpci(1) + apci(1).
	minLDataFrameSize = 8

	// tp1LengthMask extracts the length from the TP1 DAF|hops|length byte.
	tp1LengthMask byte = 0x0F
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// BusConfig holds knxd connection configuration.
type BusConfig struct {
	// Connection is the knxd connection URL.
	// Supported formats:
	//   - "unix:///run/knxd" (Unix socket)
	//   - "tcp://localhost:6720" (TCP)
	Connection string

	// ConnectTimeout is the maximum time to wait for a session to open.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// MonitorTimeout bounds each MonitorNext call; expiry yields BusErrTimeout.
	// Default: 2 seconds.
	MonitorTimeout time.Duration
}

func (c BusConfig) withDefaults() BusConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MonitorTimeout == 0 {
		c.MonitorTimeout = defaultMonitorTimeout
	}
	return c
}

// SessionStats holds monitoring session statistics.
type SessionStats struct {
	FramesRx     uint64
	ErrorsTotal  uint64
	LastActivity time.Time
	Connected    bool
}

// MonitorSession is a long-lived knxd connection in virtual bus monitor mode.
//
// Thread Safety:
//   - MonitorNext must be called from a single goroutine.
//   - Close and Stats are safe for concurrent use.
type MonitorSession struct {
	cfg  BusConfig
	conn net.Conn
	buf  []byte
	done *closeOnce

	// filled counts bytes of a partially read message kept in buf across a
	// poll timeout.
	filled int

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	framesRx     atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64 // Unix timestamp
}

// OpenMonitor connects to knxd and opens virtual bus monitor mode.
//
// Parameters:
//   - ctx: Context for cancellation (used for the handshake)
//   - cfg: Connection configuration
//
// Returns:
//   - *MonitorSession: Session ready for MonitorNext
//   - error: ErrConnectionFailed if dialling or the handshake fails
func OpenMonitor(ctx context.Context, cfg BusConfig) (*MonitorSession, error) {
	cfg = cfg.withDefaults()

	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &MonitorSession{
		cfg:  cfg,
		conn: conn,
		buf:  make([]byte, readBufferSize),
		done: newCloseOnce(),
	}
	s.lastActivity.Store(time.Now().Unix())

	if err := handshake(ctx, conn, EIBOpenVBusmonitor, nil, cfg.ConnectTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: vbusmonitor handshake: %w", ErrConnectionFailed, err)
	}

	return s, nil
}

// dial opens the transport connection described by cfg.Connection.
func dial(ctx context.Context, cfg BusConfig) (net.Conn, error) {
	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s://%s: %w", ErrConnectionFailed, network, address, err)
	}
	return conn, nil
}

// parseConnectionURL parses a knxd connection URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = fmt.Sprintf("localhost:%d", DefaultPort)
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// ConnectionURL turns a "host[:port]" command-line target into a knxd URL.
// Targets that already carry a scheme are returned unchanged.
func ConnectionURL(target string) string {
	if u, err := url.Parse(target); err == nil && (u.Scheme == "tcp" || u.Scheme == "unix") {
		return target
	}
	if _, _, err := net.SplitHostPort(target); err == nil {
		return "tcp://" + target
	}
	return fmt.Sprintf("tcp://%s:%d", target, DefaultPort)
}

// handshake sends an open request and waits for knxd to echo the message type.
// It respects the context deadline so the overall connect timeout is honoured.
func handshake(ctx context.Context, conn net.Conn, msgType uint16, payload []byte, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck // cleared on a live connection

	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if _, err := conn.Write(EncodeKNXDMessage(msgType, payload)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, readBufferSize)
	respType, _, err := readMessage(conn, buf)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if respType != msgType {
		return fmt.Errorf("unexpected response type: 0x%04X", respType)
	}
	return nil
}

// readMessage reads a single knxd message from conn into buf.
// An oversized message returns ErrProtocolDesync; the stream cannot be resynchronised.
func readMessage(conn net.Conn, buf []byte) (uint16, []byte, error) {
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return 0, nil, fmt.Errorf("read size: %w", err)
	}

	// Size field = type(2) + payload, not including the size field itself.
	msgSize := binary.BigEndian.Uint16(buf[:2])
	if msgSize < 2 {
		return 0, nil, fmt.Errorf("%w: size %d (minimum 2 for type field)", ErrInvalidMessage, msgSize)
	}

	totalLen := 2 + int(msgSize)
	if totalLen > len(buf) {
		return 0, nil, fmt.Errorf("%w: size %d exceeds buffer %d", ErrProtocolDesync, totalLen, len(buf))
	}

	if _, err := io.ReadFull(conn, buf[2:totalLen]); err != nil {
		return 0, nil, fmt.Errorf("read message: %w", err)
	}

	return ParseKNXDMessage(buf[:totalLen])
}

// MonitorNext blocks until the next bus frame arrives or the monitor timeout
// expires.
//
// The TP1 frame delivered by knxd is re-framed into the cEMI layout read by
// DecodeFrame, with the message code set to L_Data.ind.
//
// Returns:
//   - []byte: raw frame for DecodeFrame
//   - error: *BusError; BusErrTimeout and BusErrInternal are not fatal
func (s *MonitorSession) MonitorNext(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, busError(BusErrWrongUsage, "monitor", ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, busError(BusErrTimeout, "monitor", err)
	}

	deadline := time.Now().Add(s.cfg.MonitorTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		s.errorsTotal.Add(1)
		return nil, s.classify(err)
	}

	msgType, payload, err := s.nextMessage()
	if err != nil {
		return nil, s.classify(err)
	}

	if msgType != EIBVBusmonitorPacket {
		s.errorsTotal.Add(1)
		return nil, busError(BusErrInternal, "monitor", fmt.Errorf("%w: unexpected type 0x%04X", ErrInvalidMessage, msgType))
	}

	// Acknowledge frames and other short packets carry no L_Data frame.
	if len(payload) < minLDataFrameSize {
		return nil, busError(BusErrInternal, "monitor", fmt.Errorf("%w: %d byte packet", ErrInvalidMessage, len(payload)))
	}

	s.framesRx.Add(1)
	s.lastActivity.Store(time.Now().Unix())

	return reframeTP1(payload), nil
}

// nextMessage reads the next knxd message into s.buf. A read that times out
// part way through a message keeps the bytes received so far, and the next
// call resumes from there so the stream stays aligned.
func (s *MonitorSession) nextMessage() (uint16, []byte, error) {
	if err := s.fill(2); err != nil {
		return 0, nil, fmt.Errorf("read size: %w", err)
	}

	msgSize := binary.BigEndian.Uint16(s.buf[:2])
	if msgSize < 2 {
		s.filled = 0
		return 0, nil, fmt.Errorf("%w: size %d (minimum 2 for type field)", ErrInvalidMessage, msgSize)
	}

	totalLen := 2 + int(msgSize)
	if totalLen > len(s.buf) {
		s.filled = 0
		return 0, nil, fmt.Errorf("%w: size %d exceeds buffer %d", ErrProtocolDesync, totalLen, len(s.buf))
	}

	if err := s.fill(totalLen); err != nil {
		return 0, nil, fmt.Errorf("read message: %w", err)
	}
	s.filled = 0

	return ParseKNXDMessage(s.buf[:totalLen])
}

// fill reads until s.buf holds n bytes.
func (s *MonitorSession) fill(n int) error {
	for s.filled < n {
		read, err := s.conn.Read(s.buf[s.filled:n])
		s.filled += read
		if err != nil {
			if errors.Is(err, io.EOF) && s.filled > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// reframeTP1 converts a TP1 L_Data standard frame into a raw cEMI frame.
//
// TP1 layout:
//
//	Byte 0:   control byte
//	Byte 1-2: source address
//	Byte 3-4: destination address
//	Byte 5:   DAF (bit 7) | hop count (bits 6-4) | length (bits 3-0)
//	Byte 6:   TPCI
//	Byte 7:   APCI
//	Byte 8+:  data, then the checksum
func reframeTP1(tp1 []byte) []byte {
	f := Frame{
		Code:        CodeDataInd,
		Control:     tp1[0],
		Network:     tp1[5] &^ tp1LengthMask,
		Source:      binary.BigEndian.Uint16(tp1[1:3]),
		Destination: binary.BigEndian.Uint16(tp1[3:5]),
		Length:      int(tp1[5] & tp1LengthMask),
		TPCI:        tp1[6],
		APCI:        tp1[7],
	}

	n := f.Length - 1
	if avail := len(tp1) - minLDataFrameSize; n > avail {
		n = avail
	}
	if n > 0 {
		f.Payload = tp1[minLDataFrameSize : minLDataFrameSize+n]
	}

	return EncodeFrame(f)
}

// classify maps a read error to the bus error kinds.
func (s *MonitorSession) classify(err error) *BusError {
	if s.isClosed() || errors.Is(err, net.ErrClosed) {
		return busError(BusErrWrongUsage, "monitor", fmt.Errorf("%w: %w", ErrNotConnected, err))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return busError(BusErrTimeout, "monitor", err)
	}

	s.errorsTotal.Add(1)
	switch {
	case errors.Is(err, ErrProtocolDesync):
		return busError(BusErrNoMemory, "monitor", err)
	case errors.Is(err, ErrInvalidMessage):
		return busError(BusErrInternal, "monitor", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return busError(BusErrServerAborted, "monitor", err)
	default:
		return busError(BusErrCommunication, "monitor", err)
	}
}

// Authenticate logs into the bus multiplexer.
//
// knxd has no authentication layer, so this always fails with
// ErrAuthUnsupported. Callers that were asked to authenticate must treat
// this as an authentication failure.
func (s *MonitorSession) Authenticate(user, _ string) error {
	return fmt.Errorf("%w: user %q", ErrAuthUnsupported, user)
}

// Host returns the remote address of the session.
func (s *MonitorSession) Host() string {
	return s.conn.RemoteAddr().String()
}

// Close ends the monitoring session. Safe to call multiple times.
func (s *MonitorSession) Close() error {
	if s.isClosed() {
		return nil
	}
	s.done.Close()

	// Best-effort EIB_CLOSE before tearing down the socket.
	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err == nil {
		s.conn.Write(EncodeKNXDMessage(EIBClose, nil)) //nolint:errcheck // best-effort during shutdown
	}

	err := s.conn.Close()
	s.logInfo("monitor session closed")
	return err
}

func (s *MonitorSession) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// SetLogger sets the logger for this session.
func (s *MonitorSession) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// IsConnected returns true until Close is called.
func (s *MonitorSession) IsConnected() bool {
	return !s.isClosed()
}

// Stats returns current session statistics.
func (s *MonitorSession) Stats() SessionStats {
	return SessionStats{
		FramesRx:     s.framesRx.Load(),
		ErrorsTotal:  s.errorsTotal.Load(),
		LastActivity: time.Unix(s.lastActivity.Load(), 0),
		Connected:    s.IsConnected(),
	}
}

// logInfo logs an info message if logger is set.
func (s *MonitorSession) logInfo(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// WriterSession is a short-lived knxd group socket used for one bus write.
type WriterSession struct {
	conn net.Conn
	done *closeOnce
}

// OpenWriter dials a fresh knxd connection and opens a group socket.
//
// The session is independent of any monitoring session. Callers must Close
// it after the write regardless of outcome.
func OpenWriter(ctx context.Context, cfg BusConfig) (*WriterSession, error) {
	cfg = cfg.withDefaults()

	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// EIB_OPEN_GROUPCON payload: reserved(1) + write_only(1) + reserved(1)
	if err := handshake(ctx, conn, EIBOpenGroupCon, []byte{0x00, 0x00, 0x00}, cfg.ConnectTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: groupcon handshake: %w", ErrConnectionFailed, err)
	}

	return &WriterSession{conn: conn, done: newCloseOnce()}, nil
}

// WriteGroup sends one group telegram.
//
// Parameters:
//   - ctx: Context for cancellation
//   - dst: destination group address in host order
//   - apdu: TPCI/APCI header plus data, see BuildAPDU
//
// Returns:
//   - error: ErrNotConnected after Close, or the write error
func (w *WriterSession) WriteGroup(ctx context.Context, dst uint16, apdu []byte) error {
	select {
	case <-w.done.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("write cancelled: %w", ctx.Err())
	default:
	}

	payload := make([]byte, 2+len(apdu))
	binary.BigEndian.PutUint16(payload[0:2], dst)
	copy(payload[2:], apdu)

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := w.conn.Write(EncodeKNXDMessage(EIBGroupPacket, payload)); err != nil {
		return fmt.Errorf("write group packet: %w", err)
	}
	return nil
}

// Close sends EIB_CLOSE and releases the connection. Safe to call multiple times.
func (w *WriterSession) Close() error {
	var err error
	w.done.once.Do(func() {
		close(w.done.ch)
		if derr := w.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); derr == nil {
			w.conn.Write(EncodeKNXDMessage(EIBClose, nil)) //nolint:errcheck // best-effort
		}
		err = w.conn.Close()
	})
	return err
}

// EncodeKNXDMessage wraps a payload in the knxd message format.
//
// Format:
//
//	Byte 0-1: Size (big-endian) = type(2) + payload
//	Byte 2-3: Message type (big-endian)
//	Byte 4+:  Payload
func EncodeKNXDMessage(msgType uint16, payload []byte) []byte {
	buf := make([]byte, knxdHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(2+len(payload))) //nolint:gosec // bounded by small message sizes
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	copy(buf[4:], payload)
	return buf
}

// ParseKNXDMessage parses a raw knxd message.
//
// Returns:
//   - msgType: The knxd message type
//   - payload: The message payload (may be empty)
//   - error: ErrInvalidMessage if the message is malformed
func ParseKNXDMessage(data []byte) (msgType uint16, payload []byte, err error) {
	if len(data) < knxdHeaderSize {
		return 0, nil, fmt.Errorf("%w: message too short (%d bytes)", ErrInvalidMessage, len(data))
	}

	declaredSize := binary.BigEndian.Uint16(data[0:2])
	if expected := len(data) - 2; int(declaredSize) != expected {
		return 0, nil, fmt.Errorf("%w: size mismatch (declared %d, expected %d)",
			ErrInvalidMessage, declaredSize, expected)
	}

	msgType = binary.BigEndian.Uint16(data[2:4])
	if len(data) > knxdHeaderSize {
		payload = data[knxdHeaderSize:]
	}
	return msgType, payload, nil
}
