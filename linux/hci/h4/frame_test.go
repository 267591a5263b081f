package h4

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func collect() (*frame, *[][]byte) {
	var out [][]byte
	return newFrame(func(b []byte) { out = append(out, b) }), &out
}

func TestFrameSplitsStream(t *testing.T) {
	f, out := collect()

	evt := []byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00}
	acl := []byte{0x02, 0x01, 0x20, 0x03, 0x00, 0xaa, 0xbb, 0xcc}

	stream := append(append([]byte{}, evt...), acl...)
	f.Assemble(stream[:2])
	f.Assemble(stream[2:9])
	f.Assemble(stream[9:])

	if assert.Len(t, *out, 2) {
		assert.Equal(t, evt, (*out)[0])
		assert.Equal(t, acl, (*out)[1])
	}
}

func TestFrameSkipsGarbage(t *testing.T) {
	f, out := collect()

	f.Assemble([]byte{0x00, 0x99, 0x04, 0x13, 0x00})
	assert.Equal(t, [][]byte{{0x04, 0x13, 0x00}}, *out)
}

func TestFrameDropsStalePartial(t *testing.T) {
	f, out := collect()

	f.Assemble([]byte{0x04, 0x0e, 0x04, 0x01})
	f.timeout = time.Now().Add(-time.Millisecond)
	f.Assemble([]byte{0x04, 0x05, 0x04, 0x00, 0x01, 0x00, 0x13})

	assert.Equal(t, [][]byte{{0x04, 0x05, 0x04, 0x00, 0x01, 0x00, 0x13}}, *out)
}
