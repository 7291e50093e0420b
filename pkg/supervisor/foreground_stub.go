//go:build !windows
// +build !windows

package supervisor

// foregroundProcess has no portable answer off Windows; presence still
// publishes the key so policy foreground guards fail closed.
func foregroundProcess() string {
	return ""
}
