//go:build !linux

package socketcan

import "errors"

var errUnsupported = errors.New("socketcan: unsupported on this platform")

func openDevice(string) (Dev, error) { return nil, errUnsupported }

func fatal(error) bool { return false }
