//go:build windows

package main

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// reparseArgs rebuilds os.Args from the raw command line so quoted paths
// such as "C:\Program Files\cmplatform\Config.xml" reach pflag intact.
func reparseArgs() {
	raw := windows.GetCommandLine()
	if raw == nil {
		return
	}
	var argc int32
	argv, err := windows.CommandLineToArgv(raw, &argc)
	if err != nil || argv == nil || argc < 1 {
		return
	}
	defer windows.LocalFree(windows.Handle(uintptr(unsafe.Pointer(argv))))

	args := make([]string, 0, argc)
	for _, p := range unsafe.Slice((**uint16)(unsafe.Pointer(argv)), argc) {
		if p != nil {
			args = append(args, windows.UTF16PtrToString(p))
		}
	}
	os.Args = args
}
