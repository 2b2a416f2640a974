// Package session implements the EtherNet/IP session layer: one TCP
// connection per (host, port) pair, shared by every Connection and Tag
// that talks to that gateway. It is a direct port of
// original_source/lib/ab/session.c's session_find_or_add/
// session_handler/do_io/send_eip_request/recv_eip_response, restructured
// as a tasklet.Step driven by the shared scheduler instead of a
// dedicated OS thread.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/behrlich/go-eip/internal/constants"
	"github.com/behrlich/go-eip/internal/logging"
	"github.com/behrlich/go-eip/internal/sockconn"
	"github.com/behrlich/go-eip/internal/tasklet"
	"github.com/behrlich/go-eip/internal/wire"
)

// State is the session tasklet's state, matching session.c's
// ERROR/START/IDLE/CLOSE states.
type State int

const (
	StateError State = iota
	StateStart
	StateIdle
	StateClose
)

// Request is a single outstanding EIP message: one Register/Unregister
// Session, one unconnected Read-RR-Data, or one connected send. The
// session's do_io loop owns moving it through Send -> Recv -> retired.
type Request struct {
	ID string // correlation id: uuid.NewString(), or a fixed label for Forward Open/Close

	Data []byte // fully built outgoing encapsulation message

	SendRequest    bool // queued, not yet sent
	SendInProgress bool
	CurrentOffset  int
	AbortAfterSend bool // fire-and-forget (Register/Unregister Session)

	Abort        atomic.Bool
	RespReceived bool
	RespData     []byte
	RespCommand  uint16 // encapsulation command echoed on the reply
	RespStatus   uint32 // encapsulation status echoed on the reply

	// Demux keys. Unconnected requests are matched by SessionSeqID via
	// the encapsulation sender context; connected requests are matched
	// by (TargetConnID, ConnSeqNum).
	Unconnected  bool
	SessionSeqID uint64
	TargetConnID uint32
	ConnSeqNum   uint16
}

// Session is one EtherNet/IP TCP session to a gateway.
type Session struct {
	Host string
	Port int

	handle  atomic.Uint32
	seqID   atomic.Uint64
	tagCount atomic.Int32

	state  State
	status error
	mu     sync.Mutex // guards state, status, requests; conn and the recv buffer are used only by the session's own tasklet

	requests []*Request
	conns    []connRef // connections hung off this session, for tag-count bookkeeping only

	conn *sockconn.Conn

	recvBuf      []byte
	recvOffset   int
	hasResponse  bool
	respSeqID    uint64

	tasklet *tasklet.Tasklet
	logger  *logging.Logger
}

// connRef lets the session track child connections without importing
// the conn package (which imports session), avoiding an import cycle.
type connRef struct {
	id       string
	tagCount func() int32
}

var (
	registryMu sync.Mutex
	registry   []*Session
)

// FindOrAdd returns the existing session for (host, port), incrementing
// its tag count, or creates and schedules a new one; created reports
// which happened, so callers can track session-open counts. This is
// session_find_or_add, with the host/port comparison fixed to require
// both to match (the original's buggy `host mismatch && port mismatch`
// comparison almost never reused a session correctly).
func FindOrAdd(sched *tasklet.Scheduler, host string, port int) (sess *Session, created bool) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, s := range registry {
		if s.Host == host && s.Port == port {
			s.tagCount.Add(1)
			return s, false
		}
	}

	s := &Session{
		Host:   host,
		Port:   port,
		state:  StateStart,
		status: fmt.Errorf("pending"),
		logger: logging.Default().WithFields(map[string]any{"session": fmt.Sprintf("%s:%d", host, port)}),
	}
	s.tagCount.Store(1)
	s.tasklet = sched.Spawn(s.step)
	registry = append(registry, s)
	return s, true
}

// IncTagCount/DecTagCount mirror session_inc_tag_count/
// session_dec_tag_count.
func (s *Session) IncTagCount() { s.tagCount.Add(1) }
func (s *Session) DecTagCount() { s.tagCount.Add(-1) }

// TagCount returns the current tag reference count.
func (s *Session) TagCount() int32 { return s.tagCount.Load() }

// Handle returns the gateway-assigned session handle, valid
// once the session has completed registration.
func (s *Session) Handle() uint32 { return s.handle.Load() }

// NextSeqID returns the next monotonically increasing sequence number.
// checkOutgoingData writes it into the sender context of every
// unconnected request (Forward Open included) just before it is sent.
func (s *Session) NextSeqID() uint64 { return s.seqID.Add(1) }

// Status returns the session's current status; nil means OK.
func (s *Session) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(err error) {
	s.mu.Lock()
	s.status = err
	s.mu.Unlock()
}

// Enqueue adds req to the session's outgoing queue under the session
// lock. This is request_add.
func (s *Session) Enqueue(req *Request) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

// step is the tasklet Step function: session_handler.
func (s *Session) step(ctx context.Context) tasklet.StepResult {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateStart:
		return s.doStart(ctx)
	case StateIdle:
		if s.tagCount.Load() <= 0 {
			s.mu.Lock()
			s.state = StateClose
			s.mu.Unlock()
			return tasklet.Reschedule
		}
		return s.doIO(ctx)
	case StateError:
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		return tasklet.Reschedule
	case StateClose:
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		registryMu.Lock()
		for i, cand := range registry {
			if cand == s {
				registry = append(registry[:i], registry[i+1:]...)
				break
			}
		}
		registryMu.Unlock()
		return tasklet.Done
	default:
		return tasklet.Reschedule
	}
}

func (s *Session) doStart(ctx context.Context) tasklet.StepResult {
	if s.conn == nil {
		c, err := sockconn.Dial(ctx, s.Host, s.Port)
		if err != nil {
			s.setStatus(err)
			s.mu.Lock()
			s.state = StateError
			s.mu.Unlock()
			return tasklet.Reschedule
		}
		s.conn = c
		s.logger.Debugf("socket connected")
	}

	body := wire.RegisterSessionBody{ProtocolVersion: constants.EIPVersion, OptionFlags: 0}
	bodyBytes, _ := body.MarshalBinary()

	req := &Request{
		ID:             uuid.NewString(),
		Data:           buildEncapMessage(constants.EIPRegisterSession, 0, [8]byte{}, bodyBytes),
		SendRequest:    true,
		AbortAfterSend: true,
		Unconnected:    true,
	}
	s.Enqueue(req)

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	return tasklet.Reschedule
}

// buildEncapMessage assembles a full encapsulation message (header +
// body) ready to hand to the socket.
func buildEncapMessage(command uint16, sessionHandle uint32, senderContext [8]byte, body []byte) []byte {
	h := wire.EncapHeader{
		Command:       command,
		Length:        uint16(len(body)),
		SessionHandle: sessionHandle,
		SenderContext: senderContext,
	}
	hdr, _ := h.MarshalBinary()
	return append(hdr, body...)
}

// doIO is do_io: drain incoming data, then drive the outgoing queue.
func (s *Session) doIO(ctx context.Context) tasklet.StepResult {
	if err := s.checkIncomingData(); err != nil {
		s.setStatus(err)
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return tasklet.Reschedule
	}

	s.mu.Lock()
	kept := s.requests[:0]
	for _, r := range s.requests {
		if r.Abort.Load() && !r.SendInProgress {
			continue // request_remove + request_destroy
		}
		kept = append(kept, r)
	}
	s.requests = kept
	s.mu.Unlock()

	if err := s.checkOutgoingData(); err != nil {
		s.setStatus(err)
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
	}
	return tasklet.Reschedule
}

// checkIncomingData is session_check_incoming_data.
func (s *Session) checkIncomingData() error {
	if !s.hasResponse {
		if err := s.recvEIPResponse(); err != nil {
			return err
		}
	}
	if !s.hasResponse {
		return nil
	}

	var hdr wire.EncapHeader
	if err := hdr.UnmarshalBinary(s.recvBuf); err != nil {
		return err
	}

	switch hdr.Command {
	case constants.EIPRegisterSession:
		if hdr.Status != constants.EIPStatusOK {
			return fmt.Errorf("session: register-session failed, status=0x%x", hdr.Status)
		}
		s.handle.Store(hdr.SessionHandle)
		s.setStatus(nil)

	case constants.EIPConnectedSend:
		targConnID, connSeqNum, cipResp, perr := wire.ParseConnectedSendBody(s.recvBuf[wire.EncapHeaderLen:])
		if perr != nil {
			// Malformed connected-send reply: drop it, matching the spec's
			// "unmatched replies are discarded" policy rather than erroring
			// the whole session.
			break
		}
		s.mu.Lock()
		for _, r := range s.requests {
			if !r.Unconnected && r.TargetConnID == targConnID && r.ConnSeqNum == connSeqNum {
				r.RespData = append([]byte(nil), cipResp...)
				r.RespReceived = true
				r.SendInProgress = false
				r.SendRequest = false
				break
			}
		}
		s.mu.Unlock()

	default:
		var sessionSeqID uint64
		for i := 0; i < 8; i++ {
			sessionSeqID |= uint64(hdr.SenderContext[i]) << (8 * i)
		}

		s.mu.Lock()
		for _, r := range s.requests {
			if r.Unconnected && sessionSeqID != 0 && sessionSeqID == r.SessionSeqID {
				r.RespData = append([]byte(nil), s.recvBuf[wire.EncapHeaderLen:]...)
				r.RespCommand = hdr.Command
				r.RespStatus = hdr.Status
				r.RespReceived = true
				r.SendInProgress = false
				r.SendRequest = false
				break
			}
		}
		s.mu.Unlock()
	}

	s.recvBuf = nil
	s.recvOffset = 0
	s.respSeqID = 0
	s.hasResponse = false
	return nil
}

// checkOutgoingData is request_check_outgoing_data.
func (s *Session) checkOutgoingData() error {
	s.mu.Lock()
	var cur *Request
	for _, r := range s.requests {
		if r.SendRequest {
			cur = r
			break
		}
	}
	s.mu.Unlock()

	if cur == nil {
		return nil
	}

	if !cur.SendInProgress {
		if cur.Unconnected {
			cur.SessionSeqID = s.NextSeqID()
			binaryPutSenderContext(cur.Data, cur.SessionSeqID)
		}
		cur.SendInProgress = true
	}

	return s.sendEIPRequest(cur)
}

func binaryPutSenderContext(data []byte, seq uint64) {
	if len(data) < wire.EncapHeaderLen {
		return
	}
	for i := 0; i < 8; i++ {
		data[12+i] = byte(seq >> (8 * i))
	}
}

// sendEIPRequest is send_eip_request.
func (s *Session) sendEIPRequest(req *Request) error {
	remaining := req.Data[req.CurrentOffset:]
	if len(remaining) == 0 {
		req.SendRequest = false
		req.SendInProgress = false
		req.CurrentOffset = 0
		if req.AbortAfterSend {
			req.Abort.Store(true)
		}
		return nil
	}

	n, err := s.conn.Write(remaining)
	if err != nil {
		return err
	}
	req.CurrentOffset += n
	if req.CurrentOffset >= len(req.Data) {
		req.SendRequest = false
		req.SendInProgress = false
		req.CurrentOffset = 0
		if req.AbortAfterSend {
			req.Abort.Store(true)
		}
	}
	return nil
}

// recvEIPResponse is recv_eip_response.
func (s *Session) recvEIPResponse() error {
	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil // PLCTAG_ERR_NO_DATA equivalent: nothing to do yet
	}

	s.recvBuf = append(s.recvBuf, buf[:n]...)
	s.recvOffset += n

	if len(s.recvBuf) < wire.EncapHeaderLen {
		return nil
	}

	var hdr wire.EncapHeader
	if err := hdr.UnmarshalBinary(s.recvBuf); err != nil {
		return err
	}

	needed := wire.EncapHeaderLen + int(hdr.Length)
	if len(s.recvBuf) < needed {
		return nil
	}

	s.recvBuf = s.recvBuf[:needed]
	s.hasResponse = true
	return nil
}

// AwaitRequest blocks (outside any tasklet, from a caller's goroutine)
// until req has a response, an abort, or ctx is done. It never takes
// part in the tasklet's non-blocking contract; it's the bridge between
// the asynchronous wire protocol and a synchronous caller.
func AwaitRequest(ctx context.Context, req *Request) ([]byte, error) {
	ticker := time.NewTicker(constants.StatusPollInterval)
	defer ticker.Stop()
	for {
		if req.RespReceived {
			return req.RespData, nil
		}
		if req.Abort.Load() {
			return nil, fmt.Errorf("session: request aborted")
		}
		select {
		case <-ctx.Done():
			req.Abort.Store(true)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
