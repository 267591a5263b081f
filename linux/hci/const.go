package hci

import "time"

// HCI Packet types
const (
	PktTypeCommand uint8 = 0x01
	PktTypeACLData uint8 = 0x02
	PktTypeSCOData uint8 = 0x03
	PktTypeEvent   uint8 = 0x04
	PktTypeVendor  uint8 = 0xFF
)

// Packet boundary flags of HCI ACL Data Packet [Vol 4, Part E, 5.4.2].
const (
	PbfFirstNonFlushable uint8 = 0x00 // First fragment, not automatically flushable.
	PbfContinuing        uint8 = 0x01 // Continuing fragment.
	PbfFirstFlushable    uint8 = 0x02 // First fragment, automatically flushable.
	pbfCompletePDU       uint8 = 0x03 // Complete automatically flushable PDU. Not used in LE-U.
)

// Broadcast flags.
const (
	BcfPointToPoint uint8 = 0x00
	BcfActiveSlave  uint8 = 0x01
)

// Transport is the logical transport a connection handle belongs to.
type Transport uint8

const (
	TransportBrEdr Transport = iota
	TransportLE
)

func (t Transport) String() string {
	switch t {
	case TransportBrEdr:
		return "br/edr"
	case TransportLE:
		return "le"
	default:
		return "unknown"
	}
}

const (
	StatusSuccess uint8 = 0x00
	// StatusTimeout is reported when the controller never answered a
	// command. The controller itself never sends it.
	StatusTimeout uint8 = 0xFF
)

const (
	DefaultCommandTimeout = 10 * time.Second
	DefaultTaskQueueSize  = 64

	// initial Num_HCI_Command_Packets, before the controller says otherwise
	initialCommandCredit = 1

	aclHeaderLen = 4
	cmdHeaderLen = 3
	maxCmdParams = 255

	// lane the read loop feeds with inbound packets
	laneHCI = "hci"
)

const (
	RoleMaster = 0x00
	RoleSlave  = 0x01
)
