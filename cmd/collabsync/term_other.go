//go:build !unix

package main

import "os"

var shutdownSignals = []os.Signal{os.Interrupt}

func terminalWidth(*os.File) (int, bool) { return 0, false }
