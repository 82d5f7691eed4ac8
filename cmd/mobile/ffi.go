//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import "unsafe"

func cString(s string) *C.char {
	if s == "" {
		return nil
	}
	return C.CString(s)
}

// Init opens the stores and starts the sync engine. configPath may be NULL.
// Returns 0 on success, -1 on error.
//
//export Init
func Init(configPath *C.char) int32 {
	path := ""
	if configPath != nil {
		path = C.GoString(configPath)
	}
	if err := core.init(path); err != nil {
		core.setLastError(err)
		return -1
	}
	return 0
}

// Cleanup stops the engine and closes the stores.
//
//export Cleanup
func Cleanup() {
	core.cleanup()
}

// GetLastError returns the last error message, or NULL when there is none.
// The caller must free the result with FreeString.
//
//export GetLastError
func GetLastError() *C.char {
	return cString(core.lastError())
}

// FreeString releases a string returned by this library.
//
//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

// SyncEnqueue queues a deferred write described by a JSON request and
// returns {"id": ...}.
//
//export SyncEnqueue
func SyncEnqueue(request *C.char) *C.char {
	return cString(core.enqueue(C.GoString(request)))
}

// SyncState returns the current queue state as JSON.
//
//export SyncState
func SyncState() *C.char {
	return cString(core.syncState())
}

// SyncOperations returns every queued operation as JSON.
//
//export SyncOperations
func SyncOperations() *C.char {
	return cString(core.operations())
}

// SyncForce runs a drain cycle now and returns its result as JSON.
//
//export SyncForce
func SyncForce() *C.char {
	return cString(core.forceSync())
}

//export SyncRetryFailed
func SyncRetryFailed() int32 {
	return core.retryFailed()
}

//export SyncClearFailed
func SyncClearFailed() int32 {
	return core.clearFailed()
}

// SetOnline reports a platform connectivity change (non-zero means online).
//
//export SetOnline
func SetOnline(online int32) int32 {
	return core.setOnline(online != 0)
}

// EmitPaymentEvent publishes a tagged payment event and returns it restamped.
//
//export EmitPaymentEvent
func EmitPaymentEvent(event *C.char) *C.char {
	return cString(core.emitPaymentEvent(C.GoString(event)))
}

// RefreshNeeded returns 1 if category ("fees" or "installments") is stale,
// 0 if not, -1 on error.
//
//export RefreshNeeded
func RefreshNeeded(category *C.char) int32 {
	return core.refreshNeeded(C.GoString(category))
}

//export ClearRefresh
func ClearRefresh(category *C.char) int32 {
	return core.clearRefresh(C.GoString(category))
}

// ReceiptSettingsPut stores a school's receipt settings from JSON.
//
//export ReceiptSettingsPut
func ReceiptSettingsPut(school, settings *C.char) int32 {
	return core.putReceiptSettings(C.GoString(school), C.GoString(settings))
}

// ReceiptReserve reserves count receipt numbers and returns {"numbers": [...]}.
//
//export ReceiptReserve
func ReceiptReserve(school, kind *C.char, count int32) *C.char {
	return cString(core.reserveReceipts(C.GoString(school), C.GoString(kind), int(count)))
}
