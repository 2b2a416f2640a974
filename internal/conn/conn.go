// Package conn implements the CIP connection layer: a Forward Open/
// Forward Close managed connection, shared by every Tag that uses the
// same routing path on a given session. Ported from
// original_source/lib/ab/connection.c.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-eip/internal/cip"
	"github.com/behrlich/go-eip/internal/constants"
	"github.com/behrlich/go-eip/internal/logging"
	"github.com/behrlich/go-eip/internal/session"
	"github.com/behrlich/go-eip/internal/tasklet"
	"github.com/behrlich/go-eip/internal/wire"
)

// State is the connection tasklet's state, matching connection.c's
// ERROR/START/BUILD_FO/FO_WAIT/IDLE states.
type State int

const (
	StateError State = iota
	StateStart
	StateBuildForwardOpen
	StateForwardOpenWait
	StateIdle
)

// Connection is one managed (Forward-Open) CIP connection.
type Connection struct {
	Session *session.Session
	Path    string
	CPUType cip.CPUType

	state  State
	status error
	mu     sync.Mutex

	tagCount atomic.Int32

	origConnID uint32 // our (originator) connection id, low bits of a counter
	targConnID uint32 // peer-assigned connection id, from the Forward Open reply
	connSerial uint16
	connSeqNum atomic.Uint32
	connSize   uint16

	fwdOpenReq *session.Request

	tasklet *tasklet.Tasklet
	logger  *logging.Logger
}

type registryEntry struct {
	sess *session.Session
	path string
	conn *Connection
}

var (
	registryMu sync.Mutex
	registry   []registryEntry
	serialMu   sync.Mutex
	serialSeq  uint16
)

func nextSerial() uint16 {
	serialMu.Lock()
	defer serialMu.Unlock()
	serialSeq++
	return serialSeq
}

// FindOrAdd returns the existing connection for (session, path), or
// creates and schedules a new one; created reports which happened.
// This is connection_find_or_add.
func FindOrAdd(sched *tasklet.Scheduler, sess *session.Session, path string, cpuType cip.CPUType) (conn *Connection, created bool) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, e := range registry {
		if e.sess == sess && e.path == path {
			e.conn.tagCount.Add(1)
			return e.conn, false
		}
	}

	serial := nextSerial()
	c := &Connection{
		Session:    sess,
		Path:       path,
		CPUType:    cpuType,
		state:      StateStart,
		status:     fmt.Errorf("pending"),
		origConnID: uint32(serial),
		connSerial: serial,
		logger:     logging.Default().WithFields(map[string]any{"conn": path}),
	}
	c.tagCount.Store(1)
	c.connSeqNum.Store(1)
	c.tasklet = sched.Spawn(c.step)
	registry = append(registry, registryEntry{sess: sess, path: path, conn: c})
	return c, true
}

// IncTagCount/DecTagCount mirror connection_inc_tag_count/
// connection_dec_tag_count.
func (c *Connection) IncTagCount() { c.tagCount.Add(1) }
func (c *Connection) DecTagCount() { c.tagCount.Add(-1) }

// Status returns the connection's current status. A non-nil status
// covers both "still establishing" (the StateStart/BuildForwardOpen/
// ForwardOpenWait states, which leave the pending sentinel in place)
// and a genuine terminal failure (StateError); use Ready/Failed to
// tell those apart instead of testing Status() for nil directly.
func (c *Connection) Status() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Ready reports whether the connection has completed its Forward Open
// handshake and can carry connected-send traffic.
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateIdle
}

// Failed reports whether the connection has entered its terminal error
// state; Status() explains why.
func (c *Connection) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateError
}

func (c *Connection) setStatus(err error) {
	c.mu.Lock()
	c.status = err
	c.mu.Unlock()
}

// TargetConnID returns the peer-assigned connection id used to address
// connected-send messages to this connection.
func (c *Connection) TargetConnID() uint32 { return c.targConnID }

// NextConnSeqNum returns the next connection sequence number for a
// connected-send request on this connection.
func (c *Connection) NextConnSeqNum() uint16 {
	return uint16(c.connSeqNum.Add(1))
}

func (c *Connection) step(ctx context.Context) tasklet.StepResult {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateStart:
		if c.Session.Status() == nil {
			c.mu.Lock()
			c.state = StateBuildForwardOpen
			c.mu.Unlock()
		}
		return tasklet.Reschedule

	case StateBuildForwardOpen:
		if err := c.buildForwardOpenRequest(); err != nil {
			c.setStatus(err)
			c.mu.Lock()
			c.state = StateError
			c.mu.Unlock()
			return tasklet.Reschedule
		}
		c.mu.Lock()
		c.state = StateForwardOpenWait
		c.mu.Unlock()
		return tasklet.Reschedule

	case StateForwardOpenWait:
		if !c.fwdOpenReq.RespReceived {
			return tasklet.Reschedule
		}
		if err := c.handleForwardOpenResponse(c.fwdOpenReq.RespCommand, c.fwdOpenReq.RespStatus, c.fwdOpenReq.RespData); err != nil {
			c.setStatus(err)
			c.mu.Lock()
			c.state = StateError
			c.mu.Unlock()
			return tasklet.Reschedule
		}
		c.setStatus(nil)
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return tasklet.Reschedule

	case StateIdle:
		if c.tagCount.Load() <= 0 {
			c.buildForwardCloseRequest()
			c.removeFromRegistry()
			return tasklet.Done
		}
		return tasklet.Reschedule

	case StateError:
		return tasklet.Reschedule

	default:
		return tasklet.Reschedule
	}
}

func (c *Connection) removeFromRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, e := range registry {
		if e.conn == c {
			registry = append(registry[:i], registry[i+1:]...)
			return
		}
	}
}

// buildForwardOpenRequest is build_forward_open_request.
func (c *Connection) buildForwardOpenRequest() error {
	connParams := uint16(constants.LGXConnParams)
	if c.CPUType == cip.CPUPLC5 || c.CPUType == cip.CPUMLGX {
		connParams = uint16(constants.PLC5ConnParams)
	}
	c.connSize = constants.ConnectionSizeLarge

	routePath, err := wire.EncodePath(c.Path, c.CPUType)
	if err != nil {
		return fmt.Errorf("conn: encoding route path: %w", err)
	}

	fo := wire.ForwardOpenRequest{
		OrigToTargConnID:  0, // target assigns
		TargToOrigConnID:  c.origConnID,
		ConnSerialNumber:  c.connSerial,
		OrigVendorID:      constants.VendorID,
		OrigSerialNumber:  constants.OrigSerialNumber,
		TimeoutMultiplier: constants.ConnTimeoutMultiplier,
		OrigToTargRPI:     constants.RPI,
		OrigToTargParams:  connParams,
		TargToOrigRPI:     constants.RPI,
		TargToOrigParams:  connParams,
		TransportClass:    constants.TransportClassT3,
		ConnectionPath:    routePath,
	}

	embedded := append([]byte{constants.CIPServiceForwardOpen}, fo.Marshal()...)
	cm := wire.BuildUnconnectedSend(embedded, routePath)
	body := buildUnconnectedMessageBody(cm)

	req := &session.Request{
		ID:          "forward-open",
		Data:        encapMessage(constants.EIPReadRRData, c.Session.Handle(), [8]byte{}, body),
		SendRequest: true,
		Unconnected: true,
	}
	c.fwdOpenReq = req
	c.Session.Enqueue(req)
	return nil
}

// buildUnconnectedMessageBody wraps an Unconnected Send's CM payload in
// the CPF envelope (NAI + UDI items) that an EIP_READ_RR_DATA message
// needs.
func buildUnconnectedMessageBody(cm []byte) []byte {
	cpf := wire.MarshalCPF([]wire.CPFItem{
		{Type: constants.CPFItemNullAddr, Data: nil},
		{Type: constants.CPFItemUnconnectedData, Data: cm},
	})
	return wire.WrapEIPCommandBody(cpf)
}

func encapMessage(command uint16, sessionHandle uint32, senderContext [8]byte, body []byte) []byte {
	h := wire.EncapHeader{Command: command, Length: uint16(len(body)), SessionHandle: sessionHandle, SenderContext: senderContext}
	hdr, _ := h.MarshalBinary()
	return append(hdr, body...)
}

// handleForwardOpenResponse is the FO_WAIT_STATE success path. resp is
// the encapsulation body only (the session layer strips the 24-byte
// header before handing the reply back, but passes the header's Command
// and Status along separately so this can still reject a reply the
// encapsulation layer itself flagged as bad), starting at the Interface
// Handle field that precedes every Send-RR-Data CPF.
func (c *Connection) handleForwardOpenResponse(encapCommand uint16, encapStatus uint32, resp []byte) error {
	if encapCommand != constants.EIPReadRRData {
		return fmt.Errorf("conn: forward open reply has wrong encap command 0x%x", encapCommand)
	}
	if encapStatus != constants.EIPStatusOK {
		return fmt.Errorf("conn: forward open reply encap status 0x%x", encapStatus)
	}

	// Skip interface handle (4) + timeout (2) to reach the CPF.
	if len(resp) < 6 {
		return fmt.Errorf("conn: short forward open body")
	}
	items, _, err := wire.UnmarshalCPF(resp[6:])
	if err != nil {
		return err
	}

	var cmData []byte
	for _, it := range items {
		if it.Type == constants.CPFItemUnconnectedData {
			cmData = it.Data
		}
	}
	if cmData == nil {
		return fmt.Errorf("conn: no unconnected data item in forward open reply")
	}

	service, status, ext, data, err := wire.UnwrapUnconnectedSend(cmData)
	if err != nil {
		return err
	}
	if service&constants.CIPResponseMask == 0 {
		return fmt.Errorf("conn: unexpected reply service 0x%02x", service)
	}
	if status != cip.StatusOK {
		return fmt.Errorf("conn: forward open failed: %s (%s)", status.Name(), ext.Name())
	}

	foResp, err := wire.UnmarshalForwardOpenResponse(data)
	if err != nil {
		return err
	}

	c.targConnID = foResp.OrigToTargConnID
	return nil
}

// buildForwardCloseRequest is the IDLE_STATE teardown this module adds
// (the reference implementation left this as a FIXME no-op). It is
// fire-and-forget: the connection is being torn down either way.
func (c *Connection) buildForwardCloseRequest() {
	routePath, err := wire.EncodePath(c.Path, c.CPUType)
	if err != nil {
		return
	}
	embedded := append([]byte{constants.CIPServiceForwardClose},
		wire.BuildForwardCloseRequest(c.connSerial, constants.VendorID, constants.OrigSerialNumber, routePath)...)
	cm := wire.BuildUnconnectedSend(embedded, routePath)
	body := buildUnconnectedMessageBody(cm)

	req := &session.Request{
		ID:             "forward-close",
		Data:           encapMessage(constants.EIPReadRRData, c.Session.Handle(), [8]byte{}, body),
		SendRequest:    true,
		AbortAfterSend: true,
		Unconnected:    true,
	}
	c.Session.Enqueue(req)
}
