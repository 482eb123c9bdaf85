package config

import (
	"os"

	"golang.org/x/sys/unix"
)

// dupForTest gives FromFD a descriptor it can own and close.
func dupForTest(f *os.File) (int, error) {
	return unix.Dup(int(f.Fd()))
}
