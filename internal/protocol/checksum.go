package protocol

// Checksum computes the validation byte: the low 8 bits of the sum of the
// address, opcode and payload bytes (frame bytes 1..11).
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}
