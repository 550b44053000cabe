package mgmt

import (
	"context"
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

// KeySyncResult is the outcome of a broadcast key synchronization.
type KeySyncResult struct {
	// UsedFDSK reports whether the device answered the factory default setup key.
	UsedFDSK bool
	// Key is the temporary key installed for the device, removed with Close.
	Key BroadcastKey
}

// SyncBroadcastKey synchronizes with the device with serial number sn using a broadcast sync request.
//
// A non-empty fdsk is tried first. Only if the device does not answer it, the request is repeated
// with toolKey. If the device answers neither, ErrUnknownDeviceKey is returned. Any other error
// ends the synchronization immediately.
func SyncBroadcastKey(ctx context.Context, sal SecureApplicationLayer, sn knx.SerialNumber, fdsk, toolKey []byte, systemBroadcast bool) (KeySyncResult, error) {
	const toolAccess = true

	if len(fdsk) != 0 {
		key, err := syncRequest(ctx, sal, sn, fdsk, toolAccess, systemBroadcast)
		if err == nil {
			return KeySyncResult{UsedFDSK: true, Key: key}, nil
		}
		if !isTimeout(err) {
			return KeySyncResult{}, fmt.Errorf("mgmt: sync.req with device S/N %s failed, device not using FDSK: %w", sn, err)
		}
	}

	key, err := syncRequest(ctx, sal, sn, toolKey, toolAccess, systemBroadcast)
	if err != nil {
		if isTimeout(err) {
			return KeySyncResult{}, fmt.Errorf("%w (sync.req with device S/N %s)", ErrUnknownDeviceKey, sn)
		}

		return KeySyncResult{}, fmt.Errorf("mgmt: sync.req with device S/N %s failed: %w", sn, err)
	}

	return KeySyncResult{UsedFDSK: false, Key: key}, nil
}

func syncRequest(ctx context.Context, sal SecureApplicationLayer, sn knx.SerialNumber, key []byte, toolAccess, systemBroadcast bool) (BroadcastKey, error) {
	req, err := sal.BroadcastSyncRequest(ctx, sn, key, toolAccess, systemBroadcast)
	if err != nil {
		return nil, err
	}

	return req.Wait(ctx)
}
