package hci

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bthci"
	"github.com/rigado/bthci/linux/hci/cmd"
	"github.com/rigado/bthci/linux/hci/evt"
	"github.com/rigado/bthci/linux/thread"
)

type handlerFn func(b []byte) error

// NewHCI returns a hci device.
func NewHCI(opts ...bthci.Option) (*HCI, error) {
	h := &HCI{
		cmdTimeout: DefaultCommandTimeout,
		queueSize:  DefaultTaskQueueSize,

		evth: map[int]handlerFn{},
		subh: map[int]handlerFn{},

		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		log:      bthci.Child(bthci.Fields{"pkg": "hci"}),
	}
	if err := h.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}

	return h, nil
}

// HCI drives one controller. Controller events are handled on a dedicated
// loop thread; commands and ACL data may be sent from any goroutine.
type HCI struct {
	transport transport
	skt       io.ReadWriteCloser
	sink      *WriterSink

	thread *thread.Thread
	lanes  *thread.Lanes

	cmds *CommandDispatcher
	acl  *ACLTransport

	cmdTimeout time.Duration
	queueSize  int

	aclCbs []ACLCallbacks
	cmdCbs []CommandCallbacks

	muEvt  sync.Mutex
	evtCbs []EventCallbacks

	// evtHub
	evth map[int]handlerFn
	subh map[int]handlerFn

	//error handler
	errorHandler func(error)
	muErr        sync.Mutex
	err          error

	muClose  sync.Mutex
	started  bool
	done     chan struct{}
	readDone chan struct{}

	log bthci.Logger
}

// Option sets the options specified.
func (h *HCI) Option(opts ...bthci.Option) error {
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return err
		}
	}
	return nil
}

// Init opens the transport, starts the loop thread and brings the
// controller up: Reset, then the buffer sizes that seed the ACL credit
// pools.
func (h *HCI) Init() error {
	h.evth[evt.CommandCompleteCode] = h.handleCommandComplete
	h.evth[evt.CommandStatusCode] = h.handleCommandStatus
	h.evth[evt.NumberOfCompletedPacketsCode] = h.handleNumberOfCompletedPackets
	h.evth[evt.DisconnectionCompleteCode] = h.handleDisconnectionComplete
	h.evth[evt.ConnectionCompleteCode] = h.handleConnectionComplete
	h.evth[evt.HardwareErrorCode] = h.handleHardwareError
	h.evth[evt.LEMetaCode] = h.handleLEMeta

	h.subh[evt.LEConnectionCompleteSubCode] = h.handleLEConnectionComplete
	h.subh[evt.LEEnhancedConnectionCompleteSubCode] = h.handleLEConnectionComplete

	var err error
	h.skt, err = getTransport(h.transport)
	if err != nil {
		return err
	}
	h.sink = NewWriterSink(h.skt)

	if err := h.start(); err != nil {
		h.skt.Close()
		return err
	}

	go h.sktReadLoop()
	if err := h.init(); err != nil {
		h.Close()
		return err
	}
	return nil
}

func (h *HCI) start() (err error) {
	if h.thread, err = thread.New("hci", h.queueSize); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			h.thread.Stop()
		}
	}()

	h.lanes = thread.NewLanes(h.thread)
	if err = h.lanes.Create(laneHCI, h.queueSize); err != nil {
		return err
	}

	if h.acl, err = NewACLTransport(h.sink); err != nil {
		return err
	}
	if len(h.aclCbs) > 0 {
		if err = h.acl.RegisterCallbacks(h.aclCbs...); err != nil {
			return err
		}
	}
	if h.cmds, err = NewCommandDispatcher(h.sink, h.thread, h.acl, h.cmdTimeout); err != nil {
		return err
	}
	if len(h.cmdCbs) > 0 {
		if err = h.cmds.RegisterCallbacks(h.cmdCbs...); err != nil {
			return err
		}
	}

	h.muClose.Lock()
	h.started = true
	h.muClose.Unlock()
	return nil
}

func (h *HCI) init() error {
	h.log.Info("hci reset")
	if err := h.Send(&cmd.Reset{}, nil); err != nil {
		return errors.Wrap(err, "reset")
	}

	// Not supported by LE only controllers [Vol 4, Part E, 7.4.5]; their
	// LE buffers are then all there is.
	rbs := cmd.ReadBufferSizeRP{}
	if err := h.Send(&cmd.ReadBufferSize{}, &rbs); err != nil {
		h.log.Warnf("read buffer size: %v", err)
	}

	lebs := cmd.LEReadBufferSizeRP{}
	if err := h.Send(&cmd.LEReadBufferSize{}, &lebs); err != nil {
		return errors.Wrap(err, "le read buffer size")
	}

	h.acl.SetBufferSizes(
		int(rbs.HCACLDataPacketLength), int(rbs.HCTotalNumACLDataPackets),
		int(lebs.HCLEDataPacketLength), int(lebs.HCTotalNumLEDataPackets),
	)
	return nil
}

// Close stops reading, runs whatever the loop thread still has queued,
// and closes the transport. Commands still waiting fail with ErrClosed.
// Close must not be called from a callback, which runs on the loop thread.
func (h *HCI) Close() error {
	h.muClose.Lock()
	defer h.muClose.Unlock()

	select {
	case <-h.done:
		//already closed, nothing to do
		return nil
	default:
		close(h.done)
	}
	if !h.started {
		if h.skt != nil {
			return h.skt.Close()
		}
		return nil
	}

	err := h.skt.Close()
	<-h.readDone

	if derr := h.lanes.Delete(laneHCI); derr != nil {
		h.log.Warnf("delete lane: %v", derr)
	}
	if serr := h.thread.Stop(); serr != nil {
		h.log.Warnf("stop thread: %v", serr)
	}
	h.cmds.drop()

	return errors.Wrap(err, "close transport")
}

// Error returns the error that stopped the read loop, if any.
func (h *HCI) Error() error {
	h.muErr.Lock()
	defer h.muErr.Unlock()
	return h.err
}

func (h *HCI) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *HCI) ready() error {
	if !h.isOpen() {
		return ErrClosed
	}
	if h.cmds == nil {
		return ErrNotReady
	}
	return nil
}

// RegisterACLCallbacks adds receivers of inbound ACL data after Init.
func (h *HCI) RegisterACLCallbacks(cbs ...ACLCallbacks) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.acl.RegisterCallbacks(cbs...)
}

// RegisterCommandCallbacks adds receivers of command failures after Init.
func (h *HCI) RegisterCommandCallbacks(cbs ...CommandCallbacks) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.cmds.RegisterCallbacks(cbs...)
}

// DeregisterACLCallbacks removes ACL receivers, matched by identity.
func (h *HCI) DeregisterACLCallbacks(cbs ...ACLCallbacks) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.acl.DeregisterCallbacks(cbs...)
}

// DeregisterCommandCallbacks removes command failure receivers.
func (h *HCI) DeregisterCommandCallbacks(cbs ...CommandCallbacks) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.cmds.DeregisterCallbacks(cbs...)
}

// RegisterEventCallbacks adds receivers of controller events.
func (h *HCI) RegisterEventCallbacks(cbs ...EventCallbacks) error {
	if len(cbs) == 0 {
		return errors.Wrap(ErrBadParam, "no event callbacks")
	}
	for _, cb := range cbs {
		if cb == nil {
			return errors.Wrap(ErrBadParam, "nil event callback")
		}
	}
	h.muEvt.Lock()
	h.evtCbs = append(h.evtCbs, cbs...)
	h.muEvt.Unlock()
	return nil
}

// DeregisterEventCallbacks removes event receivers, matched by identity.
func (h *HCI) DeregisterEventCallbacks(cbs ...EventCallbacks) error {
	if len(cbs) == 0 {
		return errors.Wrap(ErrBadParam, "no event callbacks")
	}
	h.muEvt.Lock()
	defer h.muEvt.Unlock()
	for _, cb := range cbs {
		var ok bool
		if h.evtCbs, ok = without(h.evtCbs, cb); !ok {
			return errors.Wrap(ErrBadParam, "event callback not registered")
		}
	}
	return nil
}

// SendCommand submits a command without waiting for the controller.
func (h *HCI) SendCommand(opCode uint16, params []byte) (CommandToken, error) {
	if err := h.ready(); err != nil {
		return CommandToken{}, err
	}
	return h.cmds.Send(opCode, params)
}

// SendCommandSync submits a command and waits for its Command Complete or
// Command Status. A failed status is returned as an ErrCommand along with
// the result. It must not be called on the loop thread, which is the one
// that would deliver the answer.
func (h *HCI) SendCommandSync(ctx context.Context, opCode uint16, params []byte) (CommandResult, error) {
	if err := h.ready(); err != nil {
		return CommandResult{}, err
	}
	if h.thread.IsCurrentThread() {
		return CommandResult{}, ErrWouldDeadlock
	}

	pc, err := h.cmds.send(opCode, params, true)
	if err != nil {
		return CommandResult{}, err
	}

	select {
	case res, ok := <-pc.done:
		if !ok {
			return CommandResult{}, ErrClosed
		}
		return res, res.Err()
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	case <-h.done:
		return CommandResult{}, ErrClosed
	}
}

// Send sends c and waits for it. r, if not nil, receives the return
// parameters of the Command Complete.
func (h *HCI) Send(c cmd.Command, r cmd.CommandRP) error {
	b := make([]byte, c.Len())
	if err := c.Marshal(b); err != nil {
		return errors.Wrapf(err, "can't marshal cmd 0x%04X", c.OpCode())
	}

	res, err := h.SendCommandSync(context.Background(), uint16(c.OpCode()), b)
	if err != nil {
		return err
	}
	rp := res.ReturnParams
	if len(rp) > 0 && rp[0] != StatusSuccess {
		return ErrCommand(rp[0])
	}
	if r != nil {
		return r.Unmarshal(rp)
	}
	return nil
}

// SendACL sends payload on handle, fragmented to the controller's buffer
// size.
func (h *HCI) SendACL(handle uint16, flushable bool, payload []byte) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.acl.Send(handle, flushable, payload)
}

// Disconnect asks the controller to drop handle. Outbound data for it is
// discarded as soon as the controller accepts the command.
func (h *HCI) Disconnect(handle uint16, reason uint8) (CommandToken, error) {
	if err := h.ready(); err != nil {
		return CommandToken{}, err
	}
	return h.cmds.SendCommand(&cmd.Disconnect{ConnectionHandle: handle, Reason: reason})
}

// Stats is a snapshot of command and ACL flow control.
type Stats struct {
	Commands DispatcherStats `json:"commands"`
	ACL      ACLStats        `json:"acl"`
}

func (h *HCI) Stats() (Stats, error) {
	if err := h.ready(); err != nil {
		return Stats{}, err
	}
	return Stats{Commands: h.cmds.Stats(), ACL: h.acl.Stats()}, nil
}

func (h *HCI) sktReadLoop() {
	defer close(h.readDone)

	b := make([]byte, 4096)
	for {
		n, err := h.skt.Read(b)

		switch {
		case !h.isOpen():
			return

		case n == 0 && err == nil:
			// read timeout
			continue

		case err != nil:
			if err != io.EOF {
				err = errors.Wrap(err, "skt read error")
			}
			h.setErr(err)
			h.dispatchError(err)
			return

		default:
			p := make([]byte, n)
			copy(p, b)
			if err := h.lanes.RunTask(laneHCI, func() { h.handlePkt(p) }); err != nil {
				h.log.Errorf("can't queue packet: %v", err)
				return
			}
		}
	}
}

func (h *HCI) setErr(err error) {
	h.muErr.Lock()
	h.err = err
	h.muErr.Unlock()
}

// handlePkt runs on the loop thread.
func (h *HCI) handlePkt(b []byte) {
	if len(b) == 0 {
		return
	}

	var err error
	// Strip the 1-byte HCI header and pass down the rest of the packet.
	t, b := b[0], b[1:]
	switch t {
	case PktTypeACLData:
		err = h.acl.OnReceive(b)
		if errors.Cause(err) == ErrUnknownHandle {
			// already logged, rate limited
			err = nil
		}
	case PktTypeEvent:
		err = h.handleEvt(b)
	case PktTypeVendor:
		// Some controllers append vendor specific packets; ignore them.
	default:
		err = errors.Errorf("unsupported packet: 0x%02X % X", t, b)
	}

	if err != nil {
		h.log.Warn(err)
	}
}

func (h *HCI) handleEvt(b []byte) error {
	if len(b) < 2 {
		return errors.Errorf("short event packet: % X", b)
	}
	code, plen := int(b[0]), int(b[1])
	if plen != len(b[2:]) {
		return errors.Errorf("invalid event packet: % X", b)
	}
	params := b[2:]

	var err error
	if f := h.evth[code]; f != nil {
		err = f(params)
	}

	h.muEvt.Lock()
	cbs := append([]EventCallbacks(nil), h.evtCbs...)
	h.muEvt.Unlock()
	for _, cb := range cbs {
		cb.OnEvent(uint8(code), params)
	}

	return errors.Wrapf(err, "event 0x%02X", code)
}

func (h *HCI) handleLEMeta(b []byte) error {
	sub, err := evt.LEMeta(b).SubeventCodeWErr()
	if err != nil {
		return err
	}
	if f := h.subh[int(sub)]; f != nil {
		return f(b)
	}
	return nil
}

func (h *HCI) handleCommandComplete(b []byte) error {
	e := evt.CommandComplete(b)
	n, err := e.NumHCICommandPacketsWErr()
	if err != nil {
		return err
	}
	op, err := e.CommandOpcodeWErr()
	if err != nil {
		return err
	}
	rp, err := e.ReturnParametersWErr()
	if err != nil {
		return err
	}

	h.cmds.OnCreditUpdate(n)

	// NOP command, used for flow control purpose [Vol 4, Part E, 4.4]
	// no handling other than the credit update needed
	if op == 0x0000 {
		return nil
	}
	h.cmds.OnCommandComplete(op, rp)
	return nil
}

func (h *HCI) handleCommandStatus(b []byte) error {
	e := evt.CommandStatus(b)
	if !e.Valid() {
		return errors.Errorf("invalid command status: % X", b)
	}

	h.cmds.OnCreditUpdate(e.NumHCICommandPackets())
	if e.CommandOpcode() == 0x0000 {
		return nil
	}
	h.cmds.OnCommandStatus(e.CommandOpcode(), e.Status())
	return nil
}

func (h *HCI) handleNumberOfCompletedPackets(b []byte) error {
	e := evt.NumberOfCompletedPackets(b)
	n, err := e.NumberOfHandlesWErr()
	if err != nil {
		return err
	}

	entries := make([]CompletedPackets, 0, n)
	for i := 0; i < int(n); i++ {
		entries = append(entries, CompletedPackets{
			Handle: e.ConnectionHandle(i),
			Count:  e.HCNumOfCompletedPackets(i),
		})
	}
	h.acl.OnNumberOfCompletedPackets(entries)
	return nil
}

func (h *HCI) handleDisconnectionComplete(b []byte) error {
	e := evt.DisconnectionComplete(b)
	status, err := e.StatusWErr()
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		h.log.Warnf("disconnect failed: %v", ErrCommand(status))
		return nil
	}
	ch, err := e.ConnectionHandleWErr()
	if err != nil {
		return err
	}

	h.log.Debugf("disconnect complete for handle 0x%03X, reason %v", ch, ErrCommand(e.Reason()))
	h.acl.OnDisconnect(ch)
	return nil
}

func (h *HCI) handleConnectionComplete(b []byte) error {
	e := evt.ConnectionComplete(b)
	lt, err := e.LinkTypeWErr()
	if err != nil {
		return err
	}
	if e.Status() != StatusSuccess {
		h.log.Debugf("br/edr connection failed: %v", ErrCommand(e.Status()))
		return nil
	}
	// SCO links carry no ACL data
	if lt != 0x01 {
		return nil
	}
	h.acl.OnConnectionComplete(e.ConnectionHandle(), TransportBrEdr)
	return nil
}

func (h *HCI) handleLEConnectionComplete(b []byte) error {
	e := evt.LEConnectionComplete(b)
	status, err := e.StatusWErr()
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		h.log.Debugf("le connection failed: %v", ErrCommand(status))
		return nil
	}
	ch, err := e.ConnectionHandleWErr()
	if err != nil {
		return err
	}
	h.acl.OnConnectionComplete(ch, TransportLE)
	return nil
}

func (h *HCI) handleHardwareError(b []byte) error {
	code := byte(0)
	if len(b) > 0 {
		code = b[0]
	}
	err := errors.Errorf("controller hardware error 0x%02X", code)
	h.dispatchError(err)
	return nil
}

func (h *HCI) dispatchError(e error) {
	switch {
	case h.errorHandler == nil:
		h.log.Error(e)
	case !h.isOpen():
		//don't dispatch
		h.log.Debugf("hci closing: %v", e)
	default:
		h.errorHandler(e)
	}
}
