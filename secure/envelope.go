package secure

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/arloliu/go-knx/internal/util"
	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/knxnetip"
)

// Envelope is a decrypted secure wrapper.
type Envelope struct {
	SessionID uint16
	Seq       uint64
	Serial    knx.SerialNumber
	Tag       uint16
	// Packet is the encapsulated KNXnet/IP frame including its header.
	Packet []byte
}

// Codec wraps and unwraps KNXnet/IP frames of one secure session.
//
// Wrap may be called concurrently. Unwrap is meant to be called from a single receiver goroutine;
// it accepts exactly the next expected sequence number, so replayed and reordered frames are rejected.
type Codec struct {
	block     cipher.Block
	sessionID uint16
	serial    knx.SerialNumber
	sendSeq   atomic.Uint64
	rcvSeq    atomic.Uint64
}

// NewCodec creates a codec for the session key and id. serial is the serial number sent in wrapped frames.
func NewCodec(key []byte, sessionID uint16, serial knx.SerialNumber) (*Codec, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	return &Codec{block: block, sessionID: sessionID, serial: serial}, nil
}

// SessionID returns the id of the session.
func (c *Codec) SessionID() uint16 {
	return c.sessionID
}

// SendSeq returns the sequence number the next wrapped frame will carry.
func (c *Codec) SendSeq() uint64 {
	return c.sendSeq.Load()
}

// RcvSeq returns the sequence number expected from the next received frame.
func (c *Codec) RcvSeq() uint64 {
	return c.rcvSeq.Load()
}

// Wrap encrypts packet, a complete KNXnet/IP frame, into a secure wrapper frame.
//
// Every call consumes one send sequence number.
func (c *Codec) Wrap(packet []byte) ([]byte, error) {
	seq := c.sendSeq.Add(1) - 1
	if seq > util.MaxUint48 {
		return nil, ErrSequenceExhausted
	}

	totalLen := knxnetip.WrapperOverhead + len(packet)
	out := make([]byte, 0, totalLen)
	out = knxnetip.NewHeader(knxnetip.SecureWrapper, totalLen-knxnetip.HeaderSize).AppendTo(out)
	out = binary.BigEndian.AppendUint16(out, c.sessionID)
	out = appendSecInfo(out, seq, c.serial, 0)

	mac := cbcMAC(c.block, out[knxnetip.HeaderSize+2:], out[:knxnetip.HeaderSize+2], packet)

	payload := util.CloneSlice(packet, 0)
	ctrCrypt(c.block, out[knxnetip.HeaderSize+2:], mac[:], payload)

	out = append(out, payload...)

	return append(out, mac[:]...), nil
}

// Unwrap authenticates and decrypts a secure wrapper frame; h is the header of data.
//
// On success the expected receive sequence number advances by one. The encapsulated frame is never
// returned if the session id, sequence number or authentication tag does not match.
func (c *Codec) Unwrap(h knxnetip.Header, data []byte) (*Envelope, error) {
	if h.ServiceType != knxnetip.SecureWrapper {
		return nil, fmt.Errorf("%w: %s is no secure wrapper", knx.ErrFormat, h.ServiceType)
	}
	if h.TotalLength < knxnetip.WrapperOverhead+knxnetip.HeaderSize || len(data) < h.TotalLength {
		return nil, fmt.Errorf("%w: secure wrapper too short (%d bytes)", knx.ErrFormat, h.TotalLength)
	}
	data = data[:h.TotalLength]

	sessionID := binary.BigEndian.Uint16(data[knxnetip.HeaderSize:])
	if sessionID != c.sessionID {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrSessionID, sessionID, c.sessionID)
	}

	secInfo := data[knxnetip.HeaderSize+2 : knxnetip.WrapperHeaderSize]
	seq := util.Uint48(secInfo)
	expected := c.rcvSeq.Load()
	if seq != expected {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrSequence, seq, expected)
	}

	payload := util.CloneSlice(data[knxnetip.WrapperHeaderSize:h.TotalLength-knxnetip.MACSize], 0)
	var mac [knxnetip.MACSize]byte
	copy(mac[:], data[h.TotalLength-knxnetip.MACSize:])
	ctrCrypt(c.block, secInfo, mac[:], payload)

	expectedMAC := cbcMAC(c.block, secInfo, data[:knxnetip.HeaderSize+2], payload)
	if subtle.ConstantTimeCompare(mac[:], expectedMAC[:]) != 1 {
		return nil, ErrAuthentication
	}

	if !c.rcvSeq.CompareAndSwap(expected, expected+1) {
		return nil, fmt.Errorf("%w: concurrent receive of %d", ErrSequence, seq)
	}

	env := &Envelope{
		SessionID: sessionID,
		Seq:       seq,
		Tag:       binary.BigEndian.Uint16(secInfo[knxnetip.SeqSize+knxnetip.SerialSize:]),
		Packet:    payload,
	}
	copy(env.Serial[:], secInfo[knxnetip.SeqSize:])

	return env, nil
}

// handshakeMAC computes the encrypted MAC of session response and session authenticate frames,
// which use all-zero security info and carry no payload.
func handshakeMAC(key []byte, ad []byte) ([knxnetip.MACSize]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return [knxnetip.MACSize]byte{}, err
	}

	var secInfo [secInfoSize]byte
	mac := cbcMAC(block, secInfo[:], ad, nil)
	ctrCrypt(block, secInfo[:], mac[:], nil)

	return mac, nil
}

// SessionResponseMAC computes the MAC a server puts into its session response, keyed with the
// device authentication code hash.
func SessionResponseMAC(deviceAuthKey []byte, sessionID uint16, clientPublic, serverPublic [knxnetip.PublicKeySize]byte) ([knxnetip.MACSize]byte, error) {
	ad := knxnetip.NewHeader(knxnetip.SessionResponse, 2+knxnetip.PublicKeySize+knxnetip.MACSize).Bytes()
	ad = binary.BigEndian.AppendUint16(ad, sessionID)
	ad = appendXOR(ad, clientPublic, serverPublic)

	return handshakeMAC(deviceAuthKey, ad)
}

// SessionAuthMAC computes the MAC a client puts into its session authenticate frame, keyed with the
// user password hash.
func SessionAuthMAC(userKey []byte, userID uint8, clientPublic, serverPublic [knxnetip.PublicKeySize]byte) ([knxnetip.MACSize]byte, error) {
	ad := knxnetip.NewHeader(knxnetip.SessionAuthenticate, 2+knxnetip.MACSize).Bytes()
	ad = append(ad, 0, userID)
	ad = appendXOR(ad, clientPublic, serverPublic)

	return handshakeMAC(userKey, ad)
}

func appendSecInfo(b []byte, seq uint64, serial knx.SerialNumber, tag uint16) []byte {
	var seqBuf [knxnetip.SeqSize]byte
	util.PutUint48(seqBuf[:], seq)
	b = append(b, seqBuf[:]...)
	b = append(b, serial[:]...)

	return binary.BigEndian.AppendUint16(b, tag)
}

func appendXOR(b []byte, x, y [knxnetip.PublicKeySize]byte) []byte {
	for i := range x {
		b = append(b, x[i]^y[i])
	}

	return b
}
