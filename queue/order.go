package queue

import "unsafe"

// uintptrOf gives a stable total order over queue addresses, used only to
// decide lock acquisition order for Swap.
func uintptrOf(q *Queue) uintptr {
	return uintptr(unsafe.Pointer(q))
}
