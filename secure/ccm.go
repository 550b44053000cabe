package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-knx/knxnetip"
)

// secInfoSize is the size of sequence number, serial number and message tag.
const secInfoSize = knxnetip.SeqSize + knxnetip.SerialSize + 2

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secure: key must be %d bytes, got %d", KeySize, len(key))
	}

	return aes.NewCipher(key)
}

// cbcMAC computes the KNX CCM authentication tag.
//
// The MAC input is block 0 (security info and payload length), followed by the length prefixed
// associated data and the payload, each padded to the block size.
func cbcMAC(block cipher.Block, secInfo, ad, payload []byte) [knxnetip.MACSize]byte {
	buf := make([]byte, 0, aes.BlockSize+padLen(2+len(ad))+padLen(len(payload)))
	buf = append(buf, secInfo...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload))) //nolint:gosec
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(ad)))      //nolint:gosec
	buf = append(buf, ad...)
	buf = pad(buf)
	buf = append(buf, payload...)
	buf = pad(buf)

	var iv [aes.BlockSize]byte
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(buf, buf)

	var mac [knxnetip.MACSize]byte
	copy(mac[:], buf[len(buf)-aes.BlockSize:])

	return mac
}

// ctrCrypt encrypts or decrypts mac and payload in place.
//
// Counter 0 (security info, 0xff, 0x00) is used for the MAC, the payload starts at counter 1.
func ctrCrypt(block cipher.Block, secInfo []byte, mac, payload []byte) {
	var ctr0 [aes.BlockSize]byte
	copy(ctr0[:], secInfo)
	ctr0[secInfoSize] = 0xff

	stream := cipher.NewCTR(block, ctr0[:])
	stream.XORKeyStream(mac, mac)
	stream.XORKeyStream(payload, payload)
}

func pad(b []byte) []byte {
	if r := len(b) % aes.BlockSize; r != 0 {
		b = append(b, make([]byte, aes.BlockSize-r)...)
	}

	return b
}

func padLen(n int) int {
	return (n + aes.BlockSize - 1) / aes.BlockSize * aes.BlockSize
}
