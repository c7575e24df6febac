package ssh

const crcPoly uint16 = 0x1021

var crcTable = func() (table [256]uint16) {
	for n := range table {
		crc := uint16(n) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
		table[n] = crc
	}
	return
}()

// CRC computes the CRC-16/CCITT-FALSE checksum used on the wire.
func CRC(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}
