package hci

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestACLHeaderLayout(t *testing.T) {
	h := ACLHeader{Handle: 0x0001, PBF: PbfFirstFlushable, BCF: BcfPointToPoint, Length: 48}
	assert.Equal(t, []byte{0x01, 0x20, 0x30, 0x00}, h.Bytes())

	h = ACLHeader{Handle: 0xfabc, PBF: PbfContinuing, BCF: BcfActiveSlave, Length: 0x1234}
	assert.Equal(t, []byte{0xbc, 0x5a, 0x34, 0x12}, h.Bytes(), "handle is cut to 12 bits")

	got, err := ParseACLHeader([]byte{0xbc, 0x5a, 0x34, 0x12})
	require.NoError(t, err)
	assert.Equal(t, ACLHeader{Handle: 0x0abc, PBF: PbfContinuing, BCF: BcfActiveSlave, Length: 0x1234}, got)

	_, err = ParseACLHeader([]byte{0x01, 0x20})
	assert.Error(t, err)
	assert.Error(t, h.Marshal(make([]byte, 3)))
}

func TestPacketBytes(t *testing.T) {
	p := Packet{Type: PktTypeCommand, Head: []byte{0x03, 0x0c, 0x00}}
	assert.Equal(t, []byte{0x01, 0x03, 0x0c, 0x00}, p.Bytes())
	assert.Equal(t, 4, p.Len())
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	require.NoError(t, s.Push(Packet{Type: PktTypeACLData, Head: []byte{1, 0, 2, 0}, Payload: []byte{0xaa, 0xbb}}))
	assert.Equal(t, []byte{0x02, 1, 0, 2, 0, 0xaa, 0xbb}, buf.Bytes())
}
