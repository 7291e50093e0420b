//go:build !windows
// +build !windows

package actuator

import "errors"

var errUnsupportedPlatform = errors.New("unsupported_platform: key synthesis requires windows")

func sendVirtualKey(uint16) error {
	return errUnsupportedPlatform
}
