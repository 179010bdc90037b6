package shmdict

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// openHandles counts how many Store handles this process has open per
// logical dictionary name. Destroy refuses to remove OS resources that a
// live handle in this process still maps.
var openHandles = cmap.New[int]()

func registerHandle(name string) {
	openHandles.Upsert(name, 1, func(exists bool, cur, n int) int {
		if exists {
			return cur + n
		}
		return n
	})
}

func unregisterHandle(name string) {
	openHandles.Upsert(name, 0, func(exists bool, cur, _ int) int {
		if !exists || cur <= 1 {
			return 0
		}
		return cur - 1
	})
	if n, ok := openHandles.Get(name); ok && n == 0 {
		openHandles.Remove(name)
	}
}

func handleCount(name string) int {
	n, _ := openHandles.Get(name)
	return n
}
