package virtio

import (
	"fmt"
	"os"
	"sync"
)

// GuestMemory is the memory view a Device uses to read descriptor
// chains and request payloads out of the arena the driver allocated
// them in. dma.Arena satisfies it directly.
type GuestMemory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Device is the hardware side of a virtio-blk pairing: a file-backed
// block store addressed through the same register file and virtqueue
// wire format a real QEMU virt machine exposes. It never touches the
// Driver's fields directly, only the shared GuestMemory and its own
// register state -- the same boundary Blk/queue.go enforce between
// the VMM and guest in the retrieval pack's hypervisor code.
type Device struct {
	mu sync.Mutex

	mem GuestMemory

	file     *os.File
	readonly bool
	capacity uint64 // sectors

	deviceFeatures uint64
	driverFeatures uint64
	deviceFeatSel  uint32
	driverFeatSel  uint32

	status uint32

	queueSel     uint32
	queueNum     uint16
	queueReady   bool
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16

	interruptStatus uint32

	// IRQ is invoked (if set) whenever the device raises an interrupt,
	// the in-process stand-in for the guest's IRQ line.
	IRQ func()
}

// NewDevice creates a block device backed by file, using mem as the
// shared guest-memory view for descriptor and payload access.
func NewDevice(mem GuestMemory, file *os.File, readonly bool) (*Device, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("virtio: stat backing file: %w", err)
	}
	features := featureVersion1 | FeatureFlush
	if readonly {
		features |= FeatureRO
	}
	return &Device{
		mem:            mem,
		file:           file,
		readonly:       readonly,
		capacity:       uint64(info.Size()) / SectorSize,
		deviceFeatures: features,
	}, nil
}

// ReadReg implements an MMIO register read at offset from the
// device's base address.
func (d *Device) ReadReg(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case RegMagicValue:
		return MagicValue
	case RegVersion:
		return versionModern
	case RegDeviceID:
		return DeviceIDBlock
	case RegVendorID:
		return VendorIDDemo
	case RegDeviceFeatures:
		if d.deviceFeatSel == 1 {
			return uint32(d.deviceFeatures >> 32)
		}
		return uint32(d.deviceFeatures)
	case RegQueueNumMax:
		return DefaultQueueNum
	case RegQueueReady:
		if d.queueReady {
			return 1
		}
		return 0
	case RegInterruptStatus:
		return d.interruptStatus
	case RegStatus:
		return d.status
	case RegConfigGeneration:
		return 0
	default:
		if offset >= RegConfig {
			return d.readConfig(offset - RegConfig)
		}
		return 0
	}
}

// WriteReg implements an MMIO register write at offset.
func (d *Device) WriteReg(offset uint32, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case RegDeviceFeaturesSel:
		d.deviceFeatSel = value
	case RegDriverFeaturesSel:
		d.driverFeatSel = value
	case RegDriverFeatures:
		if d.driverFeatSel == 1 {
			d.driverFeatures |= uint64(value) << 32
		} else {
			d.driverFeatures |= uint64(value)
		}
	case RegQueueSel:
		d.queueSel = value
	case RegQueueNum:
		d.queueNum = uint16(value)
	case RegQueueReady:
		d.queueReady = value == 1
		if !d.queueReady {
			d.lastAvailIdx = 0
			d.usedIdx = 0
		}
	case RegQueueDescLow:
		d.descAddr = (d.descAddr &^ 0xffffffff) | uint64(value)
	case RegQueueDescHigh:
		d.descAddr = (d.descAddr & 0xffffffff) | (uint64(value) << 32)
	case RegQueueAvailLow:
		d.availAddr = (d.availAddr &^ 0xffffffff) | uint64(value)
	case RegQueueAvailHigh:
		d.availAddr = (d.availAddr & 0xffffffff) | (uint64(value) << 32)
	case RegQueueUsedLow:
		d.usedAddr = (d.usedAddr &^ 0xffffffff) | uint64(value)
	case RegQueueUsedHigh:
		d.usedAddr = (d.usedAddr & 0xffffffff) | (uint64(value) << 32)
	case RegInterruptAck:
		d.interruptStatus &^= value
	case RegStatus:
		d.status = value
		if value == 0 {
			d.reset()
		}
	default:
		if offset >= RegConfig {
			// configuration space is read-only for this device
			return
		}
	}
}

func (d *Device) reset() {
	d.queueReady = false
	d.descAddr, d.availAddr, d.usedAddr = 0, 0, 0
	d.lastAvailIdx, d.usedIdx = 0, 0
	d.driverFeatures = 0
	d.deviceFeatSel = 0
	d.driverFeatSel = 0
	d.interruptStatus = 0
}

func (d *Device) readConfig(off uint32) uint32 {
	buf := d.configBytes()
	if int(off)+4 > len(buf) {
		return 0
	}
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func (d *Device) configBytes() []byte {
	buf := make([]byte, 24)
	buf[0] = byte(d.capacity)
	buf[1] = byte(d.capacity >> 8)
	buf[2] = byte(d.capacity >> 16)
	buf[3] = byte(d.capacity >> 24)
	buf[4] = byte(d.capacity >> 32)
	buf[5] = byte(d.capacity >> 40)
	buf[6] = byte(d.capacity >> 48)
	buf[7] = byte(d.capacity >> 56)
	return buf
}

// Notify processes whatever became available on the queue since the
// last notification, playing the part of OnQueueNotify in the
// retrieval pack's MMIO dispatch: it walks the descriptor chains the
// driver has queued, executes each request against the backing file,
// and raises an interrupt if anything was processed. The driver calls
// it directly through Registers.Notify; a write to RegQueueNotify
// through WriteReg is ignored and does not trigger processing.
func (d *Device) Notify() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	processed := 0
	for {
		availIdx, err := d.readAvailIdx()
		if err != nil {
			return err
		}
		if d.lastAvailIdx == availIdx {
			break
		}
		head, err := d.readAvailEntry(d.lastAvailIdx)
		if err != nil {
			return err
		}
		d.lastAvailIdx++

		written, err := d.processRequest(head)
		if err != nil {
			return err
		}
		if err := d.pushUsed(head, written); err != nil {
			return err
		}
		processed++
	}

	if processed > 0 {
		d.interruptStatus |= interruptVring
		if d.IRQ != nil {
			d.IRQ()
		}
	}
	return nil
}

func (d *Device) readAvailIdx() (uint16, error) {
	var buf [2]byte
	if _, err := d.mem.ReadAt(buf[:], int64(d.availAddr+2)); err != nil {
		return 0, fmt.Errorf("virtio: read avail idx: %w", err)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (d *Device) readAvailEntry(ring uint16) (uint16, error) {
	var buf [2]byte
	offset := d.availAddr + 4 + uint64(ring%d.queueNum)*2
	if _, err := d.mem.ReadAt(buf[:], int64(offset)); err != nil {
		return 0, fmt.Errorf("virtio: read avail entry: %w", err)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (d *Device) readDescriptor(idx uint16) (Desc, error) {
	buf := make([]byte, descSize)
	if _, err := d.mem.ReadAt(buf, int64(d.descAddr+uint64(idx)*descSize)); err != nil {
		return Desc{}, fmt.Errorf("virtio: read descriptor %d: %w", idx, err)
	}
	return decodeDesc(buf), nil
}

func (d *Device) pushUsed(id uint16, writtenLen uint32) error {
	ring := d.usedIdx % d.queueNum
	elem := make([]byte, 8)
	elem[0] = byte(id)
	elem[1] = byte(id >> 8)
	elem[4] = byte(writtenLen)
	elem[5] = byte(writtenLen >> 8)
	elem[6] = byte(writtenLen >> 16)
	elem[7] = byte(writtenLen >> 24)

	if _, err := d.mem.WriteAt(elem, int64(d.usedAddr+4+uint64(ring)*8)); err != nil {
		return fmt.Errorf("virtio: write used element: %w", err)
	}
	d.usedIdx++
	idxBuf := []byte{byte(d.usedIdx), byte(d.usedIdx >> 8)}
	if _, err := d.mem.WriteAt(idxBuf, int64(d.usedAddr+2)); err != nil {
		return fmt.Errorf("virtio: write used idx: %w", err)
	}
	return nil
}

// processRequest walks the descriptor chain rooted at head, executes
// the request it describes, and returns the length to report in the
// chain's used element. That length is always 1, for the status byte;
// bytes written into data descriptors are not counted. The chain shape
// is {header}{data...}{status}, matching the request layout the driver
// always builds.
func (d *Device) processRequest(head uint16) (uint32, error) {
	var (
		hdr        ReqHeader
		dataDescs  []Desc
		statusDesc Desc
		haveStatus bool
	)

	idx := head
	for i := 0; i < int(d.queueNum)+1; i++ {
		desc, err := d.readDescriptor(idx)
		if err != nil {
			return 0, err
		}
		switch {
		case i == 0:
			hbuf := make([]byte, reqHeaderSize)
			if _, err := d.mem.ReadAt(hbuf, int64(desc.Addr)); err != nil {
				return 0, fmt.Errorf("virtio: read request header: %w", err)
			}
			hdr = decodeReqHeader(hbuf)
		case desc.Flags&DescFNext == 0:
			statusDesc = desc
			haveStatus = true
		default:
			dataDescs = append(dataDescs, desc)
		}
		if desc.Flags&DescFNext == 0 {
			break
		}
		idx = desc.Next
	}
	if !haveStatus {
		return 0, fmt.Errorf("virtio: request chain from descriptor %d has no status descriptor", head)
	}

	status := d.executeRequest(hdr, dataDescs)
	if _, err := d.mem.WriteAt([]byte{status}, int64(statusDesc.Addr)); err != nil {
		return 0, fmt.Errorf("virtio: write status byte: %w", err)
	}
	return 1, nil
}

func (d *Device) executeRequest(hdr ReqHeader, dataDescs []Desc) byte {
	if d.file == nil {
		return StatusIOErr
	}
	offset := int64(hdr.Sector) * SectorSize

	switch hdr.Type {
	case ReqTypeIn:
		for _, desc := range dataDescs {
			if desc.Flags&DescFWrite == 0 {
				return StatusIOErr
			}
			buf := make([]byte, desc.Len)
			n, err := d.file.ReadAt(buf, offset)
			if err != nil && n == 0 {
				return StatusIOErr
			}
			if _, err := d.mem.WriteAt(buf[:n], int64(desc.Addr)); err != nil {
				return StatusIOErr
			}
			offset += int64(n)
		}
		return StatusOK

	case ReqTypeOut:
		if d.readonly {
			return StatusIOErr
		}
		for _, desc := range dataDescs {
			if desc.Flags&DescFWrite != 0 {
				return StatusIOErr
			}
			buf := make([]byte, desc.Len)
			if _, err := d.mem.ReadAt(buf, int64(desc.Addr)); err != nil {
				return StatusIOErr
			}
			n, err := d.file.WriteAt(buf, offset)
			if err != nil {
				return StatusIOErr
			}
			offset += int64(n)
		}
		return StatusOK

	case ReqTypeFlush:
		if err := d.file.Sync(); err != nil {
			return StatusIOErr
		}
		return StatusOK

	case ReqTypeGetID:
		id := make([]byte, 20)
		copy(id, "thunderos-blk0")
		if len(dataDescs) > 0 && dataDescs[0].Flags&DescFWrite != 0 {
			if _, err := d.mem.WriteAt(id, int64(dataDescs[0].Addr)); err != nil {
				return StatusIOErr
			}
		}
		return StatusOK

	default:
		return StatusUnsup
	}
}

