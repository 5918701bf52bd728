// Package virtio implements a split-virtqueue virtio-blk pair: a
// Device playing the role of the QEMU virt platform's MMIO block
// device, and a Driver playing the role of the guest kernel's driver
// talking to it. The two only ever communicate through the Device's
// register file and a shared dma.Arena standing in for guest physical
// memory, the same boundary the real MMIO bus enforces, so the
// request/response path here is the same one a RISC-V "virt" machine
// kernel would drive.
package virtio

import "encoding/binary"

// MMIO register offsets from the device's base address.
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

// Magic and type identifiers.
const (
	MagicValue     = 0x74726976 // "virt"
	DeviceIDBlock  = 2
	VendorIDDemo   = 0x554d4551 // "QEMU", kept for texture; this is not a QEMU device
	versionModern  = 2
)

// Device status bits, written by the driver to RegStatus.
const (
	StatusAcknowledge      = 1 << 0
	StatusDriver           = 1 << 1
	StatusDriverOK         = 1 << 2
	StatusFeaturesOK       = 1 << 3
	StatusDeviceNeedsReset = 1 << 6
	StatusFailed           = 1 << 7
)

// Block device feature bits.
const (
	FeatureSizeMax   = 1 << 1
	FeatureSegMax    = 1 << 2
	FeatureGeometry  = 1 << 4
	FeatureRO        = 1 << 5
	FeatureBlkSize   = 1 << 6
	FeatureFlush     = 1 << 9
	FeatureTopology  = 1 << 10
	FeatureConfigWCE = 1 << 11
	featureVersion1  = uint64(1) << 32
)

// Block request types and status codes.
const (
	ReqTypeIn      = 0
	ReqTypeOut     = 1
	ReqTypeFlush   = 4
	ReqTypeGetID   = 8
	ReqTypeDiscard = 11

	StatusOK    = 0
	StatusIOErr = 1
	StatusUnsup = 2
)

// Descriptor flags.
const (
	DescFNext  = 1
	DescFWrite = 2
)

const (
	SectorSize      = 512
	DefaultQueueNum = 128
	interruptVring  = 0x1
)

// Desc is the wire layout of one virtqueue descriptor: 16 bytes,
// little-endian, {addr:8, len:4, flags:2, next:2}.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descSize = 16

func encodeDesc(d Desc) []byte {
	buf := make([]byte, descSize)
	binary.LittleEndian.PutUint64(buf[0:8], d.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], d.Len)
	binary.LittleEndian.PutUint16(buf[12:14], d.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
	return buf
}

func decodeDesc(buf []byte) Desc {
	return Desc{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}
}

// ReqHeader is the 16-byte header every block request begins with.
type ReqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const reqHeaderSize = 16

func encodeReqHeader(h ReqHeader) []byte {
	buf := make([]byte, reqHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.Sector)
	return buf
}

func decodeReqHeader(buf []byte) ReqHeader {
	return ReqHeader{
		Type:     binary.LittleEndian.Uint32(buf[0:4]),
		Reserved: binary.LittleEndian.Uint32(buf[4:8]),
		Sector:   binary.LittleEndian.Uint64(buf[8:16]),
	}
}
