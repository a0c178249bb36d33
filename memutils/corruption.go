package memutils

import "unsafe"

// corruptionDetectionMagicValue is a 4-byte pattern that is copied into the debug margin placed after
// allocations in blocks that have corruption detection enabled
const corruptionDetectionMagicValue uint32 = 0x7F84E666

// WriteMagicValue writes an easy-to-identify marker across margin bytes at the provided pointer and offset.
// margin should be a multiple of 4.
func WriteMagicValue(data unsafe.Pointer, offset int, margin int) {
	dest := unsafe.Add(data, offset)
	marginSize := margin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		*(*uint32)(dest) = corruptionDetectionMagicValue
		dest = unsafe.Add(dest, unsafe.Sizeof(uint32(0)))
	}
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
func ValidateMagicValue(data unsafe.Pointer, offset int, margin int) bool {
	source := unsafe.Add(data, offset)
	marginSize := margin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		if *(*uint32)(source) != corruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, unsafe.Sizeof(uint32(0)))
	}

	return true
}
