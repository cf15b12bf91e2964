//go:build !linux

package shellcache

func processRSSBytes() (uint64, bool) { return 0, false }

func processAnonBytes() (uint64, bool) { return 0, false }
