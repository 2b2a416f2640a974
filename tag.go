package eip

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tevino/abool"

	"github.com/behrlich/go-eip/internal/cip"
	"github.com/behrlich/go-eip/internal/conn"
	"github.com/behrlich/go-eip/internal/constants"
	"github.com/behrlich/go-eip/internal/logging"
	"github.com/behrlich/go-eip/internal/session"
	"github.com/behrlich/go-eip/internal/tag"
	"github.com/behrlich/go-eip/internal/tasklet"
	"github.com/behrlich/go-eip/internal/wire"
)

// Tag is one logical PLC variable: a named reference into controller
// memory, created once and read/written many times. It is the public
// front for the per-tag tasklet that libplctag_tag.c implements as
// ab_tag_t/tag_context_t.
//
// mu is the Go analogue of the reference implementation's tag-local
// spin-lock: the data buffer, status and last read/write timestamps are
// only ever read or written while mu is held. The request flags are
// atomic booleans, and readStart/writeStart are touched only by the
// tag's own tasklet.
// userMu is the orthogonal, caller-visible Lock()/Unlock() used for
// multi-call atomicity, independent of the internal synchronization.
type Tag struct {
	opts TagOptions
	kind cip.TagType

	mu            sync.Mutex
	status        error
	data          []byte
	lastReadTime  time.Time
	lastWriteTime time.Time
	readStart     time.Time
	writeStart    time.Time

	userMu sync.Mutex

	readRequested    abool.AtomicBool
	writeRequested   abool.AtomicBool
	abortRequested   abool.AtomicBool
	destroyRequested abool.AtomicBool

	backendStarted bool
	sess           *session.Session
	connRef        *conn.Connection
	tasklet        *tasklet.Tasklet

	// Fragmented read/write bookkeeping; only ever touched from the
	// tag's own tasklet step, never from a user goroutine.
	pendingReq     *session.Request
	pendingIsWrite bool
	fragOffset     uint32
	dataType       uint16
	dataTypeKnown  bool

	logger  *logging.Logger
	metrics *Metrics

	fwdOpenErrSeen bool
}

// Status returns the tag's current status. A non-nil error matching
// ErrCodePending (see IsCode) means I/O is still in progress; nil means
// the last operation completed successfully.
func (t *Tag) Status() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Lock/Unlock expose a user-visible mutex distinct from the tag's
// internal synchronization, for callers that need multiple accessor
// calls to observe a consistent snapshot of the data buffer.
func (t *Tag) Lock()   { t.userMu.Lock() }
func (t *Tag) Unlock() { t.userMu.Unlock() }

// Size returns the current size of the tag's data buffer, in bytes.
func (t *Tag) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

// Read triggers a read of the tag's value from the controller. If
// timeout is zero or negative, Read returns immediately once the
// request has been queued (PENDING semantics; poll Status()
// yourself). If timeout is positive, Read polls Status every 5ms until
// it leaves PENDING or the deadline/ctx expires, at which point it
// aborts the operation and returns ErrCodeTimeout (or ctx.Err() if ctx
// ended first).
//
// If the tag was created with a non-zero ReadCacheMS and the previous
// read completed within that many milliseconds, Read returns nil
// immediately without generating any wire traffic.
func (t *Tag) Read(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	if t.opts.ReadCacheMS > 0 && !t.lastReadTime.IsZero() &&
		time.Since(t.lastReadTime) < time.Duration(t.opts.ReadCacheMS)*time.Millisecond {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.kind != cip.TagTypeExplicit {
		return t.Status()
	}

	t.mu.Lock()
	t.status = NewTagError("Read", t.opts.Name, ErrCodePending, "read in progress")
	t.mu.Unlock()
	t.readRequested.Set()

	if timeout <= 0 {
		return nil
	}
	return t.awaitCompletion(ctx, timeout, "Read")
}

// Write triggers a write of the tag's current buffer contents to the
// controller. Semantics mirror Read, except there is no read cache.
func (t *Tag) Write(ctx context.Context, timeout time.Duration) error {
	if t.kind != cip.TagTypeExplicit {
		return t.Status()
	}

	t.mu.Lock()
	t.status = NewTagError("Write", t.opts.Name, ErrCodePending, "write in progress")
	t.mu.Unlock()
	t.writeRequested.Set()

	if timeout <= 0 {
		return nil
	}
	return t.awaitCompletion(ctx, timeout, "Write")
}

func (t *Tag) awaitCompletion(ctx context.Context, timeout time.Duration, op string) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(constants.StatusPollInterval)
	defer ticker.Stop()

	for {
		if err := t.Status(); !IsCode(err, ErrCodePending) {
			return err
		}
		if !time.Now().Before(deadline) {
			_ = t.Abort()
			return NewTagError(op, t.opts.Name, ErrCodeTimeout, op+" timed out")
		}
		select {
		case <-ctx.Done():
			_ = t.Abort()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Abort requests cancellation of any in-flight read/write and returns
// immediately; the cancellation itself happens on the tag's next
// tasklet step.
func (t *Tag) Abort() error {
	t.abortRequested.Set()
	return nil
}

// Destroy tears the tag down. If the tag has a running back-end
// tasklet, teardown is asynchronous (the tasklet releases its session
// and connection references, then retires); otherwise it is immediate.
func (t *Tag) Destroy() error {
	if t.backendStarted {
		t.destroyRequested.Set()
		return nil
	}
	return nil
}

// step is the per-tag tasklet, run in priority order: destroy, then
// abort, then in-flight continuation, then write, then read.
func (t *Tag) step(ctx context.Context) tasklet.StepResult {
	if t.destroyRequested.IsSet() {
		return t.doDestroy()
	}

	switch {
	case t.connRef.Ready():
		t.mu.Lock()
		if IsCode(t.status, ErrCodePending) && t.pendingReq == nil &&
			!t.readRequested.IsSet() && !t.writeRequested.IsSet() {
			t.status = nil
		}
		t.mu.Unlock()

	case t.connRef.Failed():
		if !t.fwdOpenErrSeen {
			t.fwdOpenErrSeen = true
			t.metrics.RecordForwardOpenError()
		}
		t.mu.Lock()
		t.status = WrapError("Tag", t.connRef.Status())
		t.mu.Unlock()
		return tasklet.Reschedule

	default:
		// Session/connection handshake still in progress; nothing to
		// dispatch yet, try again on the next pass.
		return tasklet.Reschedule
	}

	if t.abortRequested.IsSet() {
		t.doAbort()
		t.abortRequested.UnSet()
		return tasklet.Reschedule
	}

	if t.pendingReq != nil {
		t.pollPending()
		return tasklet.Reschedule
	}

	if t.writeRequested.IsSet() {
		t.startWrite()
		return tasklet.Reschedule
	}

	if t.readRequested.IsSet() {
		t.startRead()
		return tasklet.Reschedule
	}

	return tasklet.Reschedule
}

func (t *Tag) doDestroy() tasklet.StepResult {
	if t.pendingReq != nil {
		t.pendingReq.Abort.Store(true)
		t.pendingReq = nil
	}
	if t.connRef != nil {
		t.connRef.DecTagCount()
	}
	if t.sess != nil {
		t.sess.DecTagCount()
	}
	return tasklet.Done
}

func (t *Tag) doAbort() {
	if t.pendingReq != nil {
		t.pendingReq.Abort.Store(true)
		t.pendingReq = nil
	}
	t.readRequested.UnSet()
	t.writeRequested.UnSet()
	t.mu.Lock()
	t.status = NewTagError("Abort", t.opts.Name, ErrCodeClosed, "operation aborted")
	t.mu.Unlock()
}

func (t *Tag) startRead() {
	t.readStart = time.Now()
	body, err := tag.BuildReadFragmented(t.opts.Name, t.opts.ElemCount, 0)
	if err != nil {
		t.failOp("Read", err, &t.readRequested)
		t.metrics.RecordRead(0, uint64(time.Since(t.readStart)), false)
		return
	}
	req := t.buildConnectedRequest(body)
	t.sess.Enqueue(req)
	t.pendingReq = req
	t.pendingIsWrite = false
	t.fragOffset = 0
}

func (t *Tag) startWrite() {
	t.writeStart = time.Now()
	t.mu.Lock()
	dataCopy := append([]byte(nil), t.data...)
	dt := t.currentDataTypeLocked()
	t.mu.Unlock()

	body, err := tag.BuildWriteFragmented(t.opts.Name, dt, t.opts.ElemCount, 0, dataCopy)
	if err != nil {
		t.failOp("Write", err, &t.writeRequested)
		t.metrics.RecordWrite(0, uint64(time.Since(t.writeStart)), false)
		return
	}
	req := t.buildConnectedRequest(body)
	t.sess.Enqueue(req)
	t.pendingReq = req
	t.pendingIsWrite = true
}

func (t *Tag) currentDataTypeLocked() uint16 {
	if t.dataTypeKnown {
		return t.dataType
	}
	switch t.opts.ElemSize {
	case 1:
		return constants.CIPTypeSINT
	case 2:
		return constants.CIPTypeINT
	default:
		return constants.CIPTypeDINT
	}
}

func (t *Tag) failOp(op string, err error, flag *abool.AtomicBool) {
	t.mu.Lock()
	t.status = WrapError(op, err)
	t.mu.Unlock()
	flag.UnSet()
}

// buildConnectedRequest wraps a built CIP service request in a
// connected-send envelope addressed to this tag's connection, minting
// the next connection sequence number in the order requests are built.
func (t *Tag) buildConnectedRequest(cipBody []byte) *session.Request {
	connSeq := t.connRef.NextConnSeqNum()
	targConnID := t.connRef.TargetConnID()
	cpf := wire.BuildConnectedData(targConnID, connSeq, cipBody)
	body := wire.WrapEIPCommandBody(cpf)

	h := wire.EncapHeader{
		Command:       constants.EIPConnectedSend,
		Length:        uint16(len(body)),
		SessionHandle: t.sess.Handle(),
	}
	hdr, _ := h.MarshalBinary()

	return &session.Request{
		ID:           uuid.NewString(),
		Data:         append(hdr, body...),
		SendRequest:  true,
		Unconnected:  false,
		TargetConnID: targConnID,
		ConnSeqNum:   connSeq,
	}
}

func (t *Tag) pollPending() {
	req := t.pendingReq
	if req.Abort.Load() {
		t.pendingReq = nil
		return
	}
	if !req.RespReceived {
		return
	}

	if t.pendingIsWrite {
		t.finishWrite(req)
		return
	}
	t.finishRead(req)
}

func (t *Tag) finishWrite(req *session.Request) {
	err := tag.ParseWriteResponse(req.RespData)
	t.mu.Lock()
	size := len(t.data)
	if err != nil {
		t.status = t.wrapStatusErrLocked("Write", err)
	} else {
		t.status = nil
		t.lastWriteTime = time.Now()
	}
	t.mu.Unlock()
	t.metrics.RecordWrite(uint64(size), uint64(time.Since(t.writeStart)), err == nil)
	t.writeRequested.UnSet()
	t.pendingReq = nil
}

func (t *Tag) finishRead(req *session.Request) {
	result, err := tag.ParseReadFragmentedResponse(req.RespData)
	if err != nil {
		t.mu.Lock()
		t.status = t.wrapStatusErrLocked("Read", err)
		t.mu.Unlock()
		t.metrics.RecordRead(0, uint64(time.Since(t.readStart)), false)
		t.readRequested.UnSet()
		t.pendingReq = nil
		return
	}

	t.mu.Lock()
	t.dataType = result.DataType
	t.dataTypeKnown = true
	end := int(t.fragOffset) + len(result.Data)
	if end > len(t.data) {
		end = len(t.data)
	}
	copy(t.data[t.fragOffset:end], result.Data)
	t.mu.Unlock()

	if result.More {
		nextOffset := t.fragOffset + uint32(len(result.Data))
		body, berr := tag.BuildReadFragmented(t.opts.Name, t.opts.ElemCount, nextOffset)
		if berr != nil {
			t.failOp("Read", berr, &t.readRequested)
			t.metrics.RecordRead(0, uint64(time.Since(t.readStart)), false)
			t.pendingReq = nil
			return
		}
		next := t.buildConnectedRequest(body)
		t.sess.Enqueue(next)
		t.pendingReq = next
		t.fragOffset = nextOffset
		return
	}

	t.mu.Lock()
	t.status = nil
	t.lastReadTime = time.Now()
	size := len(t.data)
	t.mu.Unlock()
	t.metrics.RecordRead(uint64(size), uint64(time.Since(t.readStart)), true)
	t.readRequested.UnSet()
	t.pendingReq = nil
}

// wrapStatusErrLocked converts a CIP general/extended status pair
// surfaced by the tag package into a driver *Error. Caller must hold
// t.mu.
func (t *Tag) wrapStatusErrLocked(op string, err error) error {
	if status, ext, ok := tag.StatusError(err); ok {
		e := NewCIPError(op, status, ext)
		e.Tag = t.opts.Name
		return e
	}
	return NewTagError(op, t.opts.Name, ErrCodeProtocol, err.Error())
}

// --- Typed accessors ---
//
// Every accessor takes the tag's spin-lock-equivalent mutex for the
// duration of the access and bounds-checks with the exact
// `offset + (width-1) >= size` test, so legal offsets satisfy
// offset <= size-width.

func (t *Tag) byteOrder() binary.ByteOrder {
	if t.opts.Endian == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (t *Tag) checkBounds(offset, width int) error {
	t.mu.Lock()
	size := len(t.data)
	t.mu.Unlock()
	if offset < 0 || offset+(width-1) >= size {
		return NewTagError("accessor", t.opts.Name, ErrCodeOutOfBounds, "offset out of bounds")
	}
	return nil
}

// GetUint8 returns the byte at offset.
func (t *Tag) GetUint8(offset int) (uint8, error) {
	if err := t.checkBounds(offset, 1); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data[offset], nil
}

// SetUint8 writes v at offset.
func (t *Tag) SetUint8(offset int, v uint8) error {
	if err := t.checkBounds(offset, 1); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[offset] = v
	return nil
}

// GetInt8 returns the signed byte at offset.
func (t *Tag) GetInt8(offset int) (int8, error) {
	v, err := t.GetUint8(offset)
	return int8(v), err
}

// SetInt8 writes v at offset.
func (t *Tag) SetInt8(offset int, v int8) error {
	return t.SetUint8(offset, uint8(v))
}

// GetUint16 returns the 16-bit value at offset, using the tag's endian.
func (t *Tag) GetUint16(offset int) (uint16, error) {
	if err := t.checkBounds(offset, 2); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byteOrder().Uint16(t.data[offset : offset+2]), nil
}

// SetUint16 writes v at offset, using the tag's endian.
func (t *Tag) SetUint16(offset int, v uint16) error {
	if err := t.checkBounds(offset, 2); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byteOrder().PutUint16(t.data[offset:offset+2], v)
	return nil
}

// GetInt16 returns the signed 16-bit value at offset.
func (t *Tag) GetInt16(offset int) (int16, error) {
	v, err := t.GetUint16(offset)
	return int16(v), err
}

// SetInt16 writes v at offset.
func (t *Tag) SetInt16(offset int, v int16) error {
	return t.SetUint16(offset, uint16(v))
}

// GetUint32 returns the 32-bit value at offset, using the tag's endian.
func (t *Tag) GetUint32(offset int) (uint32, error) {
	if err := t.checkBounds(offset, 4); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byteOrder().Uint32(t.data[offset : offset+4]), nil
}

// SetUint32 writes v at offset, using the tag's endian.
func (t *Tag) SetUint32(offset int, v uint32) error {
	if err := t.checkBounds(offset, 4); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byteOrder().PutUint32(t.data[offset:offset+4], v)
	return nil
}

// GetInt32 returns the signed 32-bit value at offset.
func (t *Tag) GetInt32(offset int) (int32, error) {
	v, err := t.GetUint32(offset)
	return int32(v), err
}

// SetInt32 writes v at offset.
func (t *Tag) SetInt32(offset int, v int32) error {
	return t.SetUint32(offset, uint32(v))
}

// GetFloat32 returns the IEEE-754 value at offset, reinterpreting the
// raw 32-bit pattern at the tag's endianness via math.Float32frombits,
// in place of the reference implementation's unsafe pointer cast.
func (t *Tag) GetFloat32(offset int) (float32, error) {
	v, err := t.GetUint32(offset)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// SetFloat32 writes v's IEEE-754 bit pattern at offset via
// math.Float32bits.
func (t *Tag) SetFloat32(offset int, v float32) error {
	return t.SetUint32(offset, math.Float32bits(v))
}
