package value

import "unsafe"

// objPtr extracts a stable integer identity from a heap object pointer,
// used only for eq-policy hash bucket placement; it never dereferences the
// pointer and is safe under a non-moving collector.
func objPtr(o *Object) uintptr { return uintptr(unsafe.Pointer(o)) }
