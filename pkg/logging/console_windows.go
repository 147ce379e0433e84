//go:build windows

package logging

import "golang.org/x/sys/windows"

// enableColors turns on virtual terminal processing so ANSI codes render.
func enableColors() {
	for _, std := range []uint32{windows.STD_OUTPUT_HANDLE, windows.STD_ERROR_HANDLE} {
		handle, err := windows.GetStdHandle(std)
		if err != nil {
			continue
		}
		var mode uint32
		if err := windows.GetConsoleMode(handle, &mode); err == nil {
			mode |= windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING
			_ = windows.SetConsoleMode(handle, mode)
		}
	}
}
