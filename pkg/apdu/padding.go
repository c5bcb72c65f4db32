package apdu

// ISO/IEC 7816-4 padding: append a 0x80 marker byte and zero-fill up to the
// next multiple of the block size. Both Keycard secure channel payloads
// (16-byte AES blocks) and GlobalPlatform SCP02 MAC inputs (8-byte DES
// blocks) use this scheme.

// Pad returns data extended with the 0x80 marker and zero filling so that the
// result length is a multiple of blockSize. The result is always strictly
// longer than the input: a payload already on a block boundary gains a full
// padding block.
func Pad(data []byte, blockSize int) []byte {
	padded := make([]byte, (len(data)/blockSize+1)*blockSize)
	copy(padded, data)
	padded[len(data)] = 0x80
	return padded
}

// Unpad strips ISO 7816-4 padding by scanning backwards for the 0x80 marker
// across at most one block. Input without a marker (already unpadded, or
// malformed) is returned unchanged rather than rejected: the secure channel
// occasionally receives both shapes and the caller cannot tell them apart.
func Unpad(data []byte, blockSize int) []byte {
	limit := blockSize
	if len(data) < limit {
		limit = len(data)
	}

	for i := 1; i <= limit; i++ {
		switch data[len(data)-i] {
		case 0x00:
			continue
		case 0x80:
			return data[:len(data)-i]
		default:
			return data
		}
	}
	return data
}
