package timeseriespb

import (
	"github.com/golang/protobuf/proto"
)

//go:generate  protoc --go_out . record.proto

// MarshalBinary implements encoding.BinaryMarshal.
func (r *ReadingRecord) MarshalBinary() ([]byte, error) {
	return proto.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshal.
func (r *ReadingRecord) UnmarshalBinary(data []byte) error {
	return proto.Unmarshal(data, r)
}

// MarshalBinary implements encoding.BinaryMarshal.
func (m *MeterRecord) MarshalBinary() ([]byte, error) {
	return proto.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshal.
func (m *MeterRecord) UnmarshalBinary(data []byte) error {
	return proto.Unmarshal(data, m)
}
