//go:build !ble

package transport

// DefaultBLEBackend returns nil when the binary is built without the ble
// tag; the BLE opener then reports ErrDeviceUnavailable.
func DefaultBLEBackend() BLEBackend {
	return nil
}
