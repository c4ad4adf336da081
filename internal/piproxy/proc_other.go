//go:build !linux

package piproxy

func processRSSBytes() (uint64, bool) { return 0, false }
