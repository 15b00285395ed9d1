// Code generated by protoc-gen-go.
// source: record.proto
// DO NOT EDIT!

/*
Package timeseriespb is a generated protocol buffer package.

It is generated from these files:
	record.proto

It has these top-level messages:
	ReadingRecord
	MeterInfo
	MeterRecord
*/
package timeseriespb

import proto "github.com/golang/protobuf/proto"
import fmt "fmt"
import math "math"

// Reference imports to suppress errors if they are not otherwise used.
var _ = proto.Marshal
var _ = fmt.Errorf
var _ = math.Inf

const _ = proto.ProtoPackageIsVersion2 // please upgrade the proto package

// ReadingRecord is the on-disk encoding of one reading.Reading, with
// the meter name externalized to a small integer id via MeterRecord
// so it isn't repeated in every value.
type ReadingRecord struct {
	Timestamp    uint64 `protobuf:"varint,1,opt,name=timestamp" json:"timestamp,omitempty"`
	MeterId      uint32 `protobuf:"varint,2,opt,name=meterId" json:"meterId,omitempty"`
	Total        float64 `protobuf:"fixed64,3,opt,name=total" json:"total,omitempty"`

	HasComponents bool    `protobuf:"varint,4,opt,name=hasComponents" json:"hasComponents,omitempty"`
	DigitalInt    int32   `protobuf:"varint,5,opt,name=digitalInt" json:"digitalInt,omitempty"`
	DialFraction  float64 `protobuf:"fixed64,6,opt,name=dialFraction" json:"dialFraction,omitempty"`
	DialAngleDeg  float64 `protobuf:"fixed64,7,opt,name=dialAngleDeg" json:"dialAngleDeg,omitempty"`

	Confidence        string  `protobuf:"bytes,8,opt,name=confidence" json:"confidence,omitempty"`
	HasConfidenceNum  bool    `protobuf:"varint,9,opt,name=hasConfidenceNum" json:"hasConfidenceNum,omitempty"`
	ConfidenceNumeric float64 `protobuf:"fixed64,10,opt,name=confidenceNumeric" json:"confidenceNumeric,omitempty"`

	VisionModel    string   `protobuf:"bytes,11,opt,name=visionModel" json:"visionModel,omitempty"`
	VisionProvider string   `protobuf:"bytes,12,opt,name=visionProvider" json:"visionProvider,omitempty"`
	PromptProfile  string   `protobuf:"bytes,13,opt,name=promptProfile" json:"promptProfile,omitempty"`
	Notes          string   `protobuf:"bytes,14,opt,name=notes" json:"notes,omitempty"`
	Warnings       []string `protobuf:"bytes,15,rep,name=warnings" json:"warnings,omitempty"`
	SnapshotRef    string   `protobuf:"bytes,16,opt,name=snapshotRef" json:"snapshotRef,omitempty"`
	RawResponseRef string   `protobuf:"bytes,17,opt,name=rawResponseRef" json:"rawResponseRef,omitempty"`
	ReprocessedFrom string  `protobuf:"bytes,18,opt,name=reprocessedFrom" json:"reprocessedFrom,omitempty"`
}

func (m *ReadingRecord) Reset()         { *m = ReadingRecord{} }
func (m *ReadingRecord) String() string { return proto.CompactTextString(m) }
func (*ReadingRecord) ProtoMessage()    {}

// MeterInfo maps one small integer meter id to its name, so
// ReadingRecord keys and values don't repeat the name.
type MeterInfo struct {
	Name string `protobuf:"bytes,1,opt,name=name" json:"name,omitempty"`
}

func (m *MeterInfo) Reset()         { *m = MeterInfo{} }
func (m *MeterInfo) String() string { return proto.CompactTextString(m) }
func (*MeterInfo) ProtoMessage()    {}

// MeterRecord is the single record holding every known meter's info,
// indexed by position (the meter id).
type MeterRecord struct {
	Meters []*MeterInfo `protobuf:"bytes,1,rep,name=meters" json:"meters,omitempty"`
}

func (m *MeterRecord) Reset()         { *m = MeterRecord{} }
func (m *MeterRecord) String() string { return proto.CompactTextString(m) }
func (*MeterRecord) ProtoMessage()    {}

func (m *MeterRecord) GetMeters() []*MeterInfo {
	if m != nil {
		return m.Meters
	}
	return nil
}

func init() {
	proto.RegisterType((*ReadingRecord)(nil), "ReadingRecord")
	proto.RegisterType((*MeterInfo)(nil), "MeterInfo")
	proto.RegisterType((*MeterRecord)(nil), "MeterRecord")
}
