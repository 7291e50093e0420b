//go:build windows
// +build windows

package actuator

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32        = windows.NewLazySystemDLL("user32.dll")
	procSendInput = user32.NewProc("SendInput")
)

const (
	inputKeyboard  = 1
	keyEventFKeyUp = 0x0002
)

// keyInput mirrors the Win32 INPUT struct with its KEYBDINPUT arm. The
// trailing pad keeps the struct at the size of the full input union.
type keyInput struct {
	inputType uint32
	_         uint32
	vk        uint16
	scan      uint16
	flags     uint32
	time      uint32
	extraInfo uintptr
	_         [8]byte
}

// sendVirtualKey synthesizes one key press: key-down then key-up.
func sendVirtualKey(vk uint16) error {
	inputs := [2]keyInput{
		{inputType: inputKeyboard, vk: vk},
		{inputType: inputKeyboard, vk: vk, flags: keyEventFKeyUp},
	}
	sent, _, callErr := procSendInput.Call(
		uintptr(len(inputs)),
		uintptr(unsafe.Pointer(&inputs[0])),
		unsafe.Sizeof(inputs[0]),
	)
	if sent != uintptr(len(inputs)) {
		return fmt.Errorf("SendInput delivered %d of %d events: %v", sent, len(inputs), callErr)
	}
	return nil
}
