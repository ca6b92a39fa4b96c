// Package coldstart encodes and decodes cold-start tokens: locally
// synthesized placeholder tokens that the content API accepts only while
// stream protection is in its lenient (pending) state.
//
// A packet is laid out as
//
//	0x22 | len | k0 k1 | reserved | client state | ts (4 bytes, BE) | identifier
//
// where len counts every byte after itself and every byte after k0 k1
// is XORed with the repeating key k0 k1.
package coldstart

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"po-token/shared"
)

const (
	// Marker is the first byte of every packet
	Marker = 0x22
	// HeaderLength covers key, reserved, client state and timestamp bytes
	HeaderLength = 8
	// MaxIdentifierLength keeps the payload length within one byte
	MaxIdentifierLength = 118
	// DefaultClientState is used when the caller has no better value
	DefaultClientState = 1

	keyLength = 2
)

// Packet is a decoded cold-start token
type Packet struct {
	Keys        [2]byte
	Reserved    byte
	ClientState byte
	Timestamp   uint32
	Identifier  string
}

// Time returns the packet timestamp
func (p *Packet) Time() time.Time {
	return time.Unix(int64(p.Timestamp), 0)
}

// Encode builds a cold-start token for identifier
func Encode(identifier string, clientState byte) (string, error) {
	return EncodeAt(identifier, clientState, time.Now(), rand.Reader)
}

// EncodeAt is Encode with an explicit clock and key source
func EncodeAt(identifier string, clientState byte, now time.Time, random io.Reader) (string, error) {
	id := []byte(identifier)
	if len(id) > MaxIdentifierLength {
		return "", shared.NewCodecError("identifier is too long", MaxIdentifierLength, len(id), nil)
	}

	var keys [keyLength]byte
	if _, err := io.ReadFull(random, keys[:]); err != nil {
		return "", shared.NewCodecError("failed to read key bytes", keyLength, 0, err)
	}

	packet := make([]byte, 2+HeaderLength+len(id))
	packet[0] = Marker
	packet[1] = byte(HeaderLength + len(id))

	payload := packet[2:]
	payload[0] = keys[0]
	payload[1] = keys[1]
	payload[2] = 0
	payload[3] = clientState
	binary.BigEndian.PutUint32(payload[4:8], uint32(now.Unix()))
	copy(payload[HeaderLength:], id)

	xorPayload(payload)

	return shared.EncodeWebsafe(packet), nil
}

// Decode parses a cold-start token
func Decode(token string) (*Packet, error) {
	packet, err := shared.DecodeBase64(token)
	if err != nil {
		return nil, shared.NewCodecError("token is not valid base64", 0, 0, err)
	}
	if len(packet) < 2 {
		return nil, shared.NewCodecError("packet is too short", 2+HeaderLength, len(packet), nil)
	}

	expected := 2 + int(packet[1])
	if len(packet) != expected {
		return nil, shared.NewCodecError("invalid packet length", expected, len(packet), nil)
	}
	if len(packet) < 2+HeaderLength {
		return nil, shared.NewCodecError("packet is shorter than its header", 2+HeaderLength, len(packet), nil)
	}

	payload := packet[2:]
	xorPayload(payload)

	p := &Packet{
		Keys:        [2]byte{payload[0], payload[1]},
		Reserved:    payload[2],
		ClientState: payload[3],
		Timestamp:   binary.BigEndian.Uint32(payload[4:8]),
		Identifier:  string(payload[HeaderLength:]),
	}
	return p, nil
}

// xorPayload is its own inverse. The key bytes themselves are left alone.
func xorPayload(payload []byte) {
	for i := keyLength; i < len(payload); i++ {
		payload[i] ^= payload[i%keyLength]
	}
}
