package actuator

import (
	"fmt"
	"strings"
)

// Windows virtual-key codes used by the media and keypress adapters.
// The codes are stable across Windows versions; the stub build still
// compiles against them so key names validate everywhere.
const (
	vkMediaNextTrack uint16 = 0xB0
	vkMediaPlayPause uint16 = 0xB3
)

var specialKeys = map[string]uint16{
	"space":  0x20,
	"enter":  0x0D,
	"tab":    0x09,
	"esc":    0x1B,
	"escape": 0x1B,
	"up":     0x26,
	"down":   0x28,
	"left":   0x25,
	"right":  0x27,
}

func init() {
	for i := 1; i <= 12; i++ {
		specialKeys[fmt.Sprintf("f%d", i)] = uint16(0x6F + i)
	}
}

// keyToVK resolves a key name to its virtual-key code. Accepted names:
// the special keys above, single letters a-z and single digits 0-9.
func keyToVK(name string) (uint16, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return 0, fmt.Errorf("keypress key parameter is required")
	}
	if vk, ok := specialKeys[key]; ok {
		return vk, nil
	}
	if len(key) == 1 {
		c := key[0]
		if c >= 'a' && c <= 'z' {
			return uint16(c - 'a' + 'A'), nil
		}
		if c >= '0' && c <= '9' {
			return uint16(c), nil
		}
	}
	return 0, fmt.Errorf("unsupported keypress key: %s", name)
}
