package hci

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/bthci"
	"github.com/rigado/bthci/linux/alarm"
	"github.com/rigado/bthci/linux/hci/cmd"
	"github.com/rigado/bthci/linux/thread"
)

// CommandToken identifies one submitted command.
type CommandToken uuid.UUID

func (t CommandToken) String() string { return uuid.UUID(t).String() }

// CommandResult is how a command ended. Status is StatusSuccess for a
// Command Complete, in which case ReturnParams holds its parameters.
type CommandResult struct {
	OpCode       uint16
	Status       uint8
	ReturnParams []byte
}

// Err is nil for success, an ErrCommand otherwise.
func (r CommandResult) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	return ErrCommand(r.Status)
}

type pendingCommand struct {
	token  CommandToken
	opCode uint16
	params []byte
	pkt    Packet
	alarm  *alarm.Alarm // set once written
	done   chan CommandResult
}

func (pc *pendingCommand) release() {
	if pc.alarm != nil {
		pc.alarm.Delete()
	}
}

// CommandDispatcher sends HCI commands as the controller's command credit
// (Num_HCI_Command_Packets) allows and matches Command Status and Command
// Complete events back to them [Vol 4, Part E, 4.4].
//
// Commands without credit wait in a FIFO cache. A command in flight is
// supervised by an alarm on the loop thread. Controllers answer in order,
// so an event is matched to the oldest in-flight command with its opcode.
type CommandDispatcher struct {
	mu       sync.Mutex
	sink     TxSink
	thread   *thread.Thread
	timeout  time.Duration
	credit   int
	cache    []*pendingCommand
	inflight map[CommandToken]*pendingCommand
	byOpCode map[uint16][]CommandToken
	cbs      []CommandCallbacks

	// disconnect status hook
	acl *ACLTransport

	log *rateLogger
}

// NewCommandDispatcher creates a dispatcher whose timeouts fire on t. acl
// may be nil.
func NewCommandDispatcher(sink TxSink, t *thread.Thread, acl *ACLTransport, timeout time.Duration) (*CommandDispatcher, error) {
	if sink == nil || t == nil {
		return nil, errors.Wrap(ErrBadParam, "nil sink or thread")
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandDispatcher{
		sink:     sink,
		thread:   t,
		timeout:  timeout,
		credit:   initialCommandCredit,
		inflight: make(map[CommandToken]*pendingCommand),
		byOpCode: make(map[uint16][]CommandToken),
		acl:      acl,
		log:      newRateLogger(bthci.Child(bthci.Fields{"pkg": "hci", "part": "cmd"})),
	}, nil
}

// RegisterCallbacks adds receivers of command failures.
func (d *CommandDispatcher) RegisterCallbacks(cbs ...CommandCallbacks) error {
	if len(cbs) == 0 {
		return errors.Wrap(ErrBadParam, "no command callbacks")
	}
	for _, cb := range cbs {
		if cb == nil {
			return errors.Wrap(ErrBadParam, "nil command callback")
		}
	}

	d.mu.Lock()
	d.cbs = append(d.cbs, cbs...)
	d.mu.Unlock()
	return nil
}

// DeregisterCallbacks removes callbacks added by RegisterCallbacks,
// matching them by identity.
func (d *CommandDispatcher) DeregisterCallbacks(cbs ...CommandCallbacks) error {
	if len(cbs) == 0 {
		return errors.Wrap(ErrBadParam, "no command callbacks")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cb := range cbs {
		var ok bool
		if d.cbs, ok = without(d.cbs, cb); !ok {
			return errors.Wrap(ErrBadParam, "command callback not registered")
		}
	}
	return nil
}

// Send submits a command. params are copied. The returned token is valid
// whether the command went out right away or was cached.
func (d *CommandDispatcher) Send(opCode uint16, params []byte) (CommandToken, error) {
	pc, err := d.send(opCode, params, false)
	if err != nil {
		return CommandToken{}, err
	}
	return pc.token, nil
}

// SendCommand encodes c and submits it.
func (d *CommandDispatcher) SendCommand(c cmd.Command) (CommandToken, error) {
	b := make([]byte, c.Len())
	if err := c.Marshal(b); err != nil {
		return CommandToken{}, errors.Wrapf(err, "can't marshal cmd 0x%04X", c.OpCode())
	}
	return d.Send(uint16(c.OpCode()), b)
}

func (d *CommandDispatcher) send(opCode uint16, params []byte, wait bool) (*pendingCommand, error) {
	if len(params) > maxCmdParams {
		return nil, errors.Wrapf(ErrBadParam, "cmd 0x%04X: %d parameter bytes", opCode, len(params))
	}

	snap := append([]byte{}, params...)
	head := make([]byte, cmdHeaderLen)
	binary.LittleEndian.PutUint16(head, opCode)
	head[2] = byte(len(snap))

	pc := &pendingCommand{
		token:  CommandToken(uuid.New()),
		opCode: opCode,
		params: snap,
		pkt:    Packet{Type: PktTypeCommand, Head: head, Payload: snap},
	}
	if wait {
		pc.done = make(chan CommandResult, 1)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.credit <= 0 || len(d.cache) > 0 {
		d.cache = append(d.cache, pc)
		d.log.Debugf("cmd 0x%04X cached, %d waiting", opCode, len(d.cache))
		return pc, nil
	}
	if err := d.submitLocked(pc); err != nil {
		return nil, err
	}
	return pc, nil
}

// submitLocked writes pc, takes a credit and arms its alarm. The alarm is
// only created once the write went through.
func (d *CommandDispatcher) submitLocked(pc *pendingCommand) error {
	if err := d.sink.Push(pc.pkt); err != nil {
		return errors.Wrapf(err, "can't send cmd 0x%04X", pc.opCode)
	}
	d.credit--

	tok := pc.token
	a, err := alarm.New(d.thread, fmt.Sprintf("cmd-0x%04X", pc.opCode), false)
	if err == nil {
		pc.alarm = a
		err = a.Set(d.timeout, func() { d.onTimeout(tok) })
	}
	if err != nil {
		d.log.Errorf("cmd 0x%04X: can't arm timeout: %v", pc.opCode, err)
	}
	d.inflight[tok] = pc
	d.byOpCode[pc.opCode] = append(d.byOpCode[pc.opCode], tok)
	return nil
}

type cmdFailure struct {
	pc     *pendingCommand
	status uint8
}

// OnCreditUpdate sets the command credit to n, from the
// Num_HCI_Command_Packets field of the latest event, and drains the cache.
func (d *CommandDispatcher) OnCreditUpdate(n uint8) {
	d.mu.Lock()
	d.credit = int(n)
	failed := d.drainLocked()
	d.mu.Unlock()

	for _, f := range failed {
		d.finish(f.pc, CommandResult{OpCode: f.pc.opCode, Status: f.status})
	}
}

func (d *CommandDispatcher) drainLocked() []cmdFailure {
	var failed []cmdFailure
	for d.credit > 0 && len(d.cache) > 0 {
		pc := d.cache[0]
		d.cache[0] = nil
		d.cache = d.cache[1:]
		if err := d.submitLocked(pc); err != nil {
			d.log.Error(err)
			failed = append(failed, cmdFailure{pc, uint8(ErrHardwareFailure)})
		}
	}
	return failed
}

// matchLocked removes and returns the oldest in-flight command for opCode.
func (d *CommandDispatcher) matchLocked(opCode uint16) *pendingCommand {
	toks := d.byOpCode[opCode]
	if len(toks) == 0 {
		return nil
	}
	tok := toks[0]
	if len(toks) == 1 {
		delete(d.byOpCode, opCode)
	} else {
		d.byOpCode[opCode] = toks[1:]
	}

	pc := d.inflight[tok]
	delete(d.inflight, tok)
	if pc.alarm != nil {
		pc.alarm.Cancel()
	}
	return pc
}

// OnCommandStatus ends the oldest in-flight command for opCode. A failed
// status is reported through CommandCallbacks.
func (d *CommandDispatcher) OnCommandStatus(opCode uint16, status uint8) {
	d.mu.Lock()
	pc := d.matchLocked(opCode)
	d.mu.Unlock()

	if pc == nil {
		d.log.Limitf("status-unmatched", "command status 0x%02X for 0x%04X with nothing in flight", status, opCode)
		return
	}

	// no more data for a handle that is going away; the complete event
	// repeats this and finds nothing left to do
	if opCode == cmd.DisconnectOpCode && status == StatusSuccess && d.acl != nil && len(pc.params) >= 2 {
		d.acl.OnDisconnect(binary.LittleEndian.Uint16(pc.params) & 0x0fff)
	}

	d.finish(pc, CommandResult{OpCode: opCode, Status: status})
}

// OnCommandComplete ends the oldest in-flight command for opCode.
func (d *CommandDispatcher) OnCommandComplete(opCode uint16, returnParams []byte) {
	d.mu.Lock()
	pc := d.matchLocked(opCode)
	d.mu.Unlock()

	if pc == nil {
		d.log.Limitf("complete-unmatched", "command complete for 0x%04X with nothing in flight", opCode)
		return
	}
	d.finish(pc, CommandResult{OpCode: opCode, Status: StatusSuccess, ReturnParams: returnParams})
}

// onTimeout runs on the loop thread when the alarm of tok fires.
func (d *CommandDispatcher) onTimeout(tok CommandToken) {
	d.mu.Lock()
	pc, ok := d.inflight[tok]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.inflight, tok)
	toks := d.byOpCode[pc.opCode]
	for i, t := range toks {
		if t == tok {
			toks = append(toks[:i:i], toks[i+1:]...)
			break
		}
	}
	if len(toks) == 0 {
		delete(d.byOpCode, pc.opCode)
	} else {
		d.byOpCode[pc.opCode] = toks
	}

	// The credit this command held is never coming back. Allow one more
	// command so the cache can't stall forever.
	var failed []cmdFailure
	if d.credit <= 0 {
		d.credit = 1
		failed = d.drainLocked()
	}
	cbs := append([]CommandCallbacks(nil), d.cbs...)
	d.mu.Unlock()

	d.log.Errorf("cmd 0x%04X timed out after %v", pc.opCode, d.timeout)
	d.finish(pc, CommandResult{OpCode: pc.opCode, Status: StatusTimeout})
	for _, cb := range cbs {
		cb.OnCommandTimeout(pc.opCode)
	}
	for _, f := range failed {
		d.finish(f.pc, CommandResult{OpCode: f.pc.opCode, Status: f.status})
	}
}

// finish reports failures and wakes a synchronous sender.
func (d *CommandDispatcher) finish(pc *pendingCommand, res CommandResult) {
	pc.release()

	if res.Status != StatusSuccess {
		d.mu.Lock()
		cbs := append([]CommandCallbacks(nil), d.cbs...)
		d.mu.Unlock()

		d.log.Debugf("cmd 0x%04X failed: %v", pc.opCode, res.Err())
		for _, cb := range cbs {
			cb.OnCommandFailure(pc.opCode, res.Status, pc.params)
		}
	}
	if pc.done != nil {
		pc.done <- res
	}
}

// DispatcherStats is a snapshot of the dispatcher.
type DispatcherStats struct {
	Credit   int `json:"credit"`
	Cached   int `json:"cached"`
	InFlight int `json:"in_flight"`
}

func (d *CommandDispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStats{Credit: d.credit, Cached: len(d.cache), InFlight: len(d.inflight)}
}

// drop abandons everything cached or in flight, e.g. on close. Waiting
// senders get ErrClosed.
func (d *CommandDispatcher) drop() {
	d.mu.Lock()
	var all []*pendingCommand
	all = append(all, d.cache...)
	for _, pc := range d.inflight {
		all = append(all, pc)
	}
	d.cache = nil
	d.inflight = make(map[CommandToken]*pendingCommand)
	d.byOpCode = make(map[uint16][]CommandToken)
	d.mu.Unlock()

	for _, pc := range all {
		pc.release()
		if pc.done != nil {
			close(pc.done)
		}
	}
}
