package protocol

// Datagram is an unreliable, unordered, latest-value-wins update.
// Within a channel a receiver keeps only the highest Seq it has seen.
type Datagram struct {
	Channel RegistryName `cbor:"1,keyasint"`
	Seq     uint64       `cbor:"2,keyasint"`
	Tick    uint64       `cbor:"3,keyasint"`
	Payload []byte       `cbor:"4,keyasint"`
}

// EncodeDatagram encodes d as one self-contained frame.
func EncodeDatagram(d *Datagram) ([]byte, error) {
	return EncodeFrame(d)
}

// DecodeDatagram decodes a frame produced by EncodeDatagram.
func DecodeDatagram(data []byte, limits *Limits) (*Datagram, error) {
	var d Datagram
	if err := DecodeFrame(data, &d, limits); err != nil {
		return nil, err
	}
	return &d, nil
}
