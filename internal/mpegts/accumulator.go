package mpegts

import "sort"

const pidPAT = 0x0000

// programMap tracks which PIDs carry PMT sections.
type programMap struct {
	m map[uint16]bool
}

func newProgramMap() *programMap {
	return &programMap{m: make(map[uint16]bool)}
}

func (pm *programMap) addPMTPID(pid uint16) {
	pm.m[pid] = true
}

func (pm *programMap) isPMTPID(pid uint16) bool {
	return pm.m[pid]
}

// packetAccumulator buffers packets for a single PID until a flush trigger.
type packetAccumulator struct {
	pid        uint16
	packets    []*Packet
	programMap *programMap
}

func newPacketAccumulator(pid uint16, pm *programMap) *packetAccumulator {
	return &packetAccumulator{
		pid:        pid,
		programMap: pm,
	}
}

func (pa *packetAccumulator) add(p *Packet) []*Packet {
	// Skip packets with transport errors.
	if p.Header.TransportErrorIndicator {
		pa.packets = nil
		return nil
	}

	// Skip adaptation-only packets (no payload).
	if !p.Header.HasPayload {
		return nil
	}

	// Discontinuity check: compare CC against last buffered packet.
	// A signaled discontinuity indicator means the CC jump is expected.
	if len(pa.packets) > 0 && !p.Header.DiscontinuityIndicator {
		prev := pa.packets[len(pa.packets)-1].Header.ContinuityCounter
		expected := (prev + 1) & 0x0F
		if p.Header.ContinuityCounter != expected {
			if p.Header.ContinuityCounter == prev {
				return nil // duplicate packet, drop
			}
			// Unsignaled discontinuity — discard buffered packets.
			pa.packets = nil
		}
	}

	var flushed []*Packet

	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		flushed = pa.packets
		pa.packets = nil
	}

	pa.packets = append(pa.packets, p)

	// For PSI PIDs, check if the section is complete.
	if flushed == nil && pa.isPSI() && isPSIComplete(pa.packets) {
		flushed = pa.packets
		pa.packets = nil
	}

	return flushed
}

func (pa *packetAccumulator) isPSI() bool {
	// Only pooled accumulators carry a program map. An accumulator
	// without one reassembles an elementary stream and must flush on
	// payload unit starts only, never on section boundaries.
	if pa.programMap == nil {
		return false
	}
	return pa.pid == pidPAT || pa.programMap.isPMTPID(pa.pid)
}

func (pa *packetAccumulator) flush() []*Packet {
	if len(pa.packets) == 0 {
		return nil
	}
	flushed := pa.packets
	pa.packets = nil
	return flushed
}

// isPSIComplete checks whether the accumulated payloads contain a complete PSI section.
func isPSIComplete(packets []*Packet) bool {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) < 1 {
		return false
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return false
	}

	// Walk sections.
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true // stuffing bytes, section is complete
		}
		if offset+3 > len(payload) {
			return false
		}
		// section_syntax_indicator must be 1 for PAT/PMT.
		// Zero-padding bytes will have this bit clear.
		if payload[offset+1]&0x80 == 0 {
			return true // not a valid section header, treat as padding
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		needed := 3 + sectionLength
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

// packetPool manages per-PID accumulators.
type packetPool struct {
	accs       map[uint16]*packetAccumulator
	programMap *programMap
}

func newPacketPool(pm *programMap) *packetPool {
	return &packetPool{
		accs:       make(map[uint16]*packetAccumulator),
		programMap: pm,
	}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	pid := p.Header.PID
	acc, ok := pp.accs[pid]
	if !ok {
		acc = newPacketAccumulator(pid, pp.programMap)
		pp.accs[pid] = acc
	}
	return acc.add(p)
}

func (pp *packetPool) dump() [][]*Packet {
	// Sort by PID so PAT (PID 0) is processed before PMT PIDs.
	pids := make([]int, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[uint16(pid)].flush(); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}

// PESAssembler reassembles the PES payload of a single elementary stream
// PID. Add returns the concatenated payload of a complete PES packet once
// the next payload-unit-start packet arrives, or nil while assembly is in
// progress. It applies the same continuity counter duplicate and
// discontinuity handling as the demuxer.
type PESAssembler struct {
	acc packetAccumulator
}

// Add feeds one transport packet. The returned slice, when non-nil, holds
// the raw bytes of one complete PES packet starting with the start code.
func (a *PESAssembler) Add(p *Packet) []byte {
	flushed := a.acc.add(p)
	if flushed == nil {
		return nil
	}
	var payload []byte
	for _, fp := range flushed {
		payload = append(payload, fp.Payload...)
	}
	return payload
}

// Reset discards any partially assembled payload.
func (a *PESAssembler) Reset() {
	a.acc.packets = nil
}

// PSIWatcher tracks PAT and PMT sections in a push-fed packet stream,
// for callers that route elementary stream packets themselves. PMT PIDs
// are learned from the PAT as it crosses.
type PSIWatcher struct {
	pm   *programMap
	pool *packetPool
}

// NewPSIWatcher creates an empty watcher.
func NewPSIWatcher() *PSIWatcher {
	pm := newProgramMap()
	return &PSIWatcher{pm: pm, pool: newPacketPool(pm)}
}

// Feed processes one transport packet and returns a parsed PMT when a
// complete table crosses, or nil. Packets on non-PSI PIDs are ignored,
// corrupt sections are dropped.
func (w *PSIWatcher) Feed(p *Packet) *PMTData {
	pid := p.Header.PID
	if pid != pidPAT && !w.pm.isPMTPID(pid) {
		return nil
	}

	flushed := w.pool.add(p)
	if flushed == nil {
		return nil
	}
	var payload []byte
	for _, fp := range flushed {
		payload = append(payload, fp.Payload...)
	}
	if len(payload) == 0 {
		return nil
	}

	ds, err := parsePSI(payload, pid, flushed[0], w.pm)
	if err != nil {
		return nil
	}

	var pmt *PMTData
	for _, d := range ds {
		if d.PAT != nil {
			for _, prog := range d.PAT.Programs {
				w.pm.addPMTPID(prog.ProgramMapID)
			}
		}
		if d.PMT != nil {
			pmt = d.PMT
		}
	}
	return pmt
}

// Reset forgets learned PMT PIDs and any buffered sections.
func (w *PSIWatcher) Reset() {
	pm := newProgramMap()
	w.pm = pm
	w.pool = newPacketPool(pm)
}
