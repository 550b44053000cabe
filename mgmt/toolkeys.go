package mgmt

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-knx/internal/util"
	"github.com/arloliu/go-knx/knx"
)

// ToolKeys stores the tool keys used for secured access to devices, keyed by individual address.
//
// It is safe for concurrent use.
type ToolKeys struct {
	keys *xsync.MapOf[knx.IndividualAddress, []byte]
}

// NewToolKeys creates an empty tool key store.
func NewToolKeys() *ToolKeys {
	return &ToolKeys{keys: xsync.NewMapOf[knx.IndividualAddress, []byte]()}
}

// Put stores a copy of key as tool key of the device at addr.
func (tk *ToolKeys) Put(addr knx.IndividualAddress, key []byte) {
	tk.keys.Store(addr, util.CloneSlice(key, 0))
}

// Get returns a copy of the tool key of the device at addr.
func (tk *ToolKeys) Get(addr knx.IndividualAddress) ([]byte, bool) {
	key, ok := tk.keys.Load(addr)
	if !ok {
		return nil, false
	}

	return util.CloneSlice(key, 0), true
}

// Delete removes the tool key of the device at addr.
func (tk *ToolKeys) Delete(addr knx.IndividualAddress) {
	tk.keys.Delete(addr)
}

// Len returns the number of stored keys.
func (tk *ToolKeys) Len() int {
	return tk.keys.Size()
}
