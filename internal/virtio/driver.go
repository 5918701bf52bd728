package virtio

import (
	"fmt"

	"github.com/cmelnu/thunderos/internal/dma"
	"github.com/cmelnu/thunderos/internal/errs"
)

// Registers is the MMIO register interface a Driver drives. Device
// implements it directly; tests may substitute a fake to exercise the
// init sequence without a real backing file.
type Registers interface {
	ReadReg(offset uint32) uint32
	WriteReg(offset uint32, value uint32)
	Notify() error
}

// Driver is the guest-side virtio-blk driver described in spec.md
// §4.2: it owns the virtqueue's descriptor table and rings in DMA
// memory, runs the eight-step device initialization sequence, and
// submits read/write/flush requests by building descriptor chains and
// notifying the device.
type Driver struct {
	regs Registers
	mem  *dma.Arena

	queueNum uint16
	descs    dma.Region
	avail    dma.Region
	used     dma.Region

	freeList []uint16

	lastUsedSeen uint16

	capacity uint64
	readOnly bool
}

// NewDriver runs the full init sequence against regs using mem as the
// shared DMA arena, and returns a ready-to-use Driver.
func NewDriver(regs Registers, mem *dma.Arena) (*Driver, error) {
	d := &Driver{regs: regs, mem: mem}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) init() error {
	// Step 1: reset
	d.regs.WriteReg(RegStatus, 0)

	if d.regs.ReadReg(RegMagicValue) != MagicValue {
		return errs.New("virtio.init", errs.EVirtioDevice, fmt.Errorf("bad magic value"))
	}
	if d.regs.ReadReg(RegDeviceID) != DeviceIDBlock {
		return errs.New("virtio.init", errs.EVirtioDevice, fmt.Errorf("not a block device"))
	}
	if ver := d.regs.ReadReg(RegVersion); ver != versionModern {
		return errs.New("virtio.init", errs.EVirtioVersion, fmt.Errorf("unsupported device version %d", ver))
	}

	// Step 2: acknowledge
	d.regs.WriteReg(RegStatus, StatusAcknowledge)
	// Step 3: driver
	d.regs.WriteReg(RegStatus, StatusAcknowledge|StatusDriver)

	// Step 4: feature negotiation -- only accept features this driver
	// understands.
	d.regs.WriteReg(RegDeviceFeaturesSel, 1)
	hi := uint64(d.regs.ReadReg(RegDeviceFeatures))
	d.regs.WriteReg(RegDeviceFeaturesSel, 0)
	lo := uint64(d.regs.ReadReg(RegDeviceFeatures))
	deviceFeatures := hi<<32 | lo

	want := uint32(featureVersion1 >> 32)
	if deviceFeatures&featureVersion1 == 0 {
		return errs.New("virtio.init", errs.EVirtioVersion, fmt.Errorf("device does not offer VERSION_1"))
	}
	d.regs.WriteReg(RegDriverFeaturesSel, 1)
	d.regs.WriteReg(RegDriverFeatures, want)
	d.regs.WriteReg(RegDriverFeaturesSel, 0)
	d.regs.WriteReg(RegDriverFeatures, 0)

	// Step 5: confirm features
	d.regs.WriteReg(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	if d.regs.ReadReg(RegStatus)&StatusFeaturesOK == 0 {
		return errs.New("virtio.init", errs.EVirtioDevice, fmt.Errorf("device rejected feature set"))
	}

	// Step 6: set up the single request virtqueue.
	d.regs.WriteReg(RegQueueSel, 0)
	maxQueue := uint16(d.regs.ReadReg(RegQueueNumMax))
	if maxQueue == 0 {
		return errs.New("virtio.init", errs.EVirtioDevice, fmt.Errorf("device reports zero queue size"))
	}
	queueNum := maxQueue
	if queueNum > DefaultQueueNum {
		queueNum = DefaultQueueNum
	}
	d.queueNum = queueNum
	d.regs.WriteReg(RegQueueNum, uint32(queueNum))

	if err := d.allocQueueMemory(); err != nil {
		return err
	}

	d.regs.WriteReg(RegQueueDescLow, uint32(d.descs.Phys))
	d.regs.WriteReg(RegQueueDescHigh, uint32(d.descs.Phys>>32))
	d.regs.WriteReg(RegQueueAvailLow, uint32(d.avail.Phys))
	d.regs.WriteReg(RegQueueAvailHigh, uint32(d.avail.Phys>>32))
	d.regs.WriteReg(RegQueueUsedLow, uint32(d.used.Phys))
	d.regs.WriteReg(RegQueueUsedHigh, uint32(d.used.Phys>>32))
	d.regs.WriteReg(RegQueueReady, 1)

	// Step 7: driver ok
	d.regs.WriteReg(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	d.freeList = make([]uint16, queueNum)
	for i := range d.freeList {
		d.freeList[i] = uint16(i)
	}

	d.capacity = uint64(d.regs.ReadReg(RegConfig)) | uint64(d.regs.ReadReg(RegConfig+4))<<32
	d.readOnly = deviceFeatures&FeatureRO != 0

	return nil
}

func (d *Driver) allocQueueMemory() error {
	descBytes := uint64(d.queueNum) * descSize
	availBytes := uint64(4 + int(d.queueNum)*2 + 2)
	usedBytes := uint64(4 + int(d.queueNum)*8)

	var err error
	if d.descs, err = d.mem.Alloc(descBytes, 16); err != nil {
		return errs.New("virtio.init", errs.EMemNoMem, err)
	}
	if d.avail, err = d.mem.Alloc(availBytes, 2); err != nil {
		return errs.New("virtio.init", errs.EMemNoMem, err)
	}
	if d.used, err = d.mem.Alloc(usedBytes, 4); err != nil {
		return errs.New("virtio.init", errs.EMemNoMem, err)
	}
	return nil
}

// Capacity returns the device's capacity in 512-byte sectors.
func (d *Driver) Capacity() uint64 { return d.capacity }

// ReadOnly reports whether the device rejects write requests.
func (d *Driver) ReadOnly() bool { return d.readOnly }

// allocChain hands out three descriptor-table slots for a header/data/
// status chain by popping three indices off the driver's free list --
// the host-side bookkeeping analog of the spec's free_head/num_free
// invariant. Indices are not assumed contiguous: the descriptor
// table's size need not be a multiple of three, so a scheme that
// carves each chain out of a rolling contiguous window can be made to
// straddle the table's wraparound boundary and hand out an
// out-of-range index. Tracking individual free slots sidesteps that
// entirely.
func (d *Driver) allocChain() (hdrIdx, dataIdx, statusIdx uint16, err error) {
	if len(d.freeList) < 3 {
		return 0, 0, 0, errs.New("virtio.submit", errs.EVirtioDevice, fmt.Errorf("descriptor table exhausted"))
	}
	n := len(d.freeList)
	hdrIdx, dataIdx, statusIdx = d.freeList[n-1], d.freeList[n-2], d.freeList[n-3]
	d.freeList = d.freeList[:n-3]
	return hdrIdx, dataIdx, statusIdx, nil
}

// freeChain returns a chain's three descriptor indices to the free
// list once the request they served has been retired.
func (d *Driver) freeChain(hdrIdx, dataIdx, statusIdx uint16) {
	d.freeList = append(d.freeList, hdrIdx, dataIdx, statusIdx)
}

func (d *Driver) writeDesc(idx uint16, desc Desc) error {
	buf := encodeDesc(desc)
	if _, err := d.mem.WriteAt(buf, int64(d.descs.Phys)+int64(idx)*descSize); err != nil {
		return fmt.Errorf("virtio: write descriptor %d: %w", idx, err)
	}
	return nil
}

func (d *Driver) pushAvail(head uint16) error {
	idxBuf := make([]byte, 2)
	if _, err := d.mem.ReadAt(idxBuf, int64(d.avail.Phys)+2); err != nil {
		return fmt.Errorf("virtio: read avail idx: %w", err)
	}
	idx := uint16(idxBuf[0]) | uint16(idxBuf[1])<<8

	ringOff := int64(d.avail.Phys) + 4 + int64(idx%d.queueNum)*2
	entry := []byte{byte(head), byte(head >> 8)}
	if _, err := d.mem.WriteAt(entry, ringOff); err != nil {
		return fmt.Errorf("virtio: write avail entry: %w", err)
	}

	idx++
	idxOut := []byte{byte(idx), byte(idx >> 8)}
	if _, err := d.mem.WriteAt(idxOut, int64(d.avail.Phys)+2); err != nil {
		return fmt.Errorf("virtio: write avail idx: %w", err)
	}
	return nil
}

// waitForUsed notifies the device, consumes the next used-ring element,
// and returns the length the device reported in it; the caller reads
// the request's status byte itself. This driver
// submits and waits synchronously: spec.md's concurrency model has
// the submitting hart suspend at submission and resume on IRQ, which
// here collapses to a direct call since there is exactly one hart and
// one in-flight request.
func (d *Driver) waitForUsed() (uint32, error) {
	if err := d.regs.Notify(); err != nil {
		return 0, errs.New("virtio.submit", errs.EVirtioTimeout, err)
	}

	idxBuf := make([]byte, 2)
	if _, err := d.mem.ReadAt(idxBuf, int64(d.used.Phys)+2); err != nil {
		return 0, fmt.Errorf("virtio: read used idx: %w", err)
	}
	usedIdx := uint16(idxBuf[0]) | uint16(idxBuf[1])<<8
	if usedIdx == d.lastUsedSeen {
		return 0, errs.New("virtio.submit", errs.EVirtioTimeout, fmt.Errorf("device did not complete the request"))
	}

	ring := d.lastUsedSeen % d.queueNum
	elem := make([]byte, 8)
	if _, err := d.mem.ReadAt(elem, int64(d.used.Phys)+4+int64(ring)*8); err != nil {
		return 0, fmt.Errorf("virtio: read used element: %w", err)
	}
	writtenLen := uint32(elem[4]) | uint32(elem[5])<<8 | uint32(elem[6])<<16 | uint32(elem[7])<<24
	d.lastUsedSeen++
	return writtenLen, nil
}

func (d *Driver) submit(reqType uint32, sector uint64, data dma.Region, dataIsWrite bool) (byte, error) {
	hdrIdx, dataIdx, statusIdx, err := d.allocChain()
	if err != nil {
		return 0, err
	}
	defer d.freeChain(hdrIdx, dataIdx, statusIdx)

	hdrRegion, err := d.mem.Alloc(reqHeaderSize, 8)
	if err != nil {
		return 0, errs.New("virtio.submit", errs.EMemNoMem, err)
	}
	defer d.mem.Free(hdrRegion)
	if _, err := d.mem.WriteAt(encodeReqHeader(ReqHeader{Type: reqType, Sector: sector}), int64(hdrRegion.Phys)); err != nil {
		return 0, fmt.Errorf("virtio: write request header: %w", err)
	}

	statusRegion, err := d.mem.Alloc(1, 1)
	if err != nil {
		return 0, errs.New("virtio.submit", errs.EMemNoMem, err)
	}
	defer d.mem.Free(statusRegion)

	dataFlags := uint16(0)
	if dataIsWrite {
		dataFlags = DescFWrite
	}

	if err := d.writeDesc(hdrIdx, Desc{Addr: hdrRegion.Phys, Len: reqHeaderSize, Flags: DescFNext, Next: dataIdx}); err != nil {
		return 0, err
	}
	if err := d.writeDesc(dataIdx, Desc{Addr: data.Phys, Len: uint32(data.Len()), Flags: dataFlags | DescFNext, Next: statusIdx}); err != nil {
		return 0, err
	}
	if err := d.writeDesc(statusIdx, Desc{Addr: statusRegion.Phys, Len: 1, Flags: DescFWrite}); err != nil {
		return 0, err
	}

	if err := d.pushAvail(hdrIdx); err != nil {
		return 0, err
	}

	if _, err := d.waitForUsed(); err != nil {
		return 0, err
	}

	statusBuf := make([]byte, 1)
	if _, err := d.mem.ReadAt(statusBuf, int64(statusRegion.Phys)); err != nil {
		return 0, fmt.Errorf("virtio: read status byte: %w", err)
	}
	return statusBuf[0], nil
}

// Read reads count sectors starting at sector into a freshly allocated
// DMA region and returns its contents.
func (d *Driver) Read(sector uint64, count uint32) ([]byte, error) {
	size := uint64(count) * SectorSize
	region, err := d.mem.Alloc(size, 8)
	if err != nil {
		return nil, errs.New("virtio.Read", errs.EMemNoMem, err)
	}
	defer d.mem.Free(region)
	status, err := d.submit(ReqTypeIn, sector, region, true)
	if err != nil {
		return nil, errs.New("virtio.Read", errs.EVirtioDevice, err)
	}
	if status != StatusOK {
		return nil, errs.New("virtio.Read", errs.EIO, fmt.Errorf("device returned status %d", status))
	}
	out := make([]byte, size)
	copy(out, region.Virt)
	return out, nil
}

// Write writes data, padded up to a whole number of sectors, starting
// at sector.
func (d *Driver) Write(sector uint64, data []byte) error {
	if d.readOnly {
		return errs.New("virtio.Write", errs.EROFS, nil)
	}
	sectors := (uint64(len(data)) + SectorSize - 1) / SectorSize
	size := sectors * SectorSize
	region, err := d.mem.Alloc(size, 8)
	if err != nil {
		return errs.New("virtio.Write", errs.EMemNoMem, err)
	}
	defer d.mem.Free(region)
	copy(region.Virt, data)

	status, err := d.submit(ReqTypeOut, sector, region, false)
	if err != nil {
		return errs.New("virtio.Write", errs.EVirtioDevice, err)
	}
	if status != StatusOK {
		return errs.New("virtio.Write", errs.EIO, fmt.Errorf("device returned status %d", status))
	}
	return nil
}

// Flush issues a cache-flush request.
func (d *Driver) Flush() error {
	region, err := d.mem.Alloc(1, 1)
	if err != nil {
		return errs.New("virtio.Flush", errs.EMemNoMem, err)
	}
	defer d.mem.Free(region)
	status, err := d.submit(ReqTypeFlush, 0, region, true)
	if err != nil {
		return errs.New("virtio.Flush", errs.EVirtioDevice, err)
	}
	if status != StatusOK {
		return errs.New("virtio.Flush", errs.EIO, fmt.Errorf("device returned status %d", status))
	}
	return nil
}

// HandleIRQ acknowledges the device's pending interrupt bits. Callers
// wire this to Device.IRQ to model the real IRQ-driven completion
// path even though Notify/waitForUsed already process synchronously.
func (d *Driver) HandleIRQ() {
	status := d.regs.ReadReg(RegInterruptStatus)
	if status != 0 {
		d.regs.WriteReg(RegInterruptAck, status)
	}
}
