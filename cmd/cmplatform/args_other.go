//go:build !windows

package main

func reparseArgs() {}
