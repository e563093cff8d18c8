package rtcendpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRFC7983Boundaries(t *testing.T) {
	cases := []struct {
		name string
		b    []byte
		want packetKind
	}{
		{"empty", nil, kindUnknown},
		{"stun-low", []byte{0x00}, kindSTUN},
		{"stun-high", []byte{0x03}, kindSTUN},
		{"dtls-low", []byte{20}, kindDTLS},
		{"dtls-high", []byte{63}, kindDTLS},
		{"above-dtls-unclassified", []byte{64}, kindUnknown},
		{"rtp-range-unclassified", []byte{128}, kindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, classify(c.b))
		})
	}
}

func TestBufferPoolRecyclesFullCapacity(t *testing.T) {
	b := getBuffer()
	assert.Len(t, b, maxDatagramSize)
	putBuffer(b[:10]) // simulate a short read before returning it

	b2 := getBuffer()
	assert.Len(t, b2, maxDatagramSize, "recycled buffers must be restored to full capacity")
}
