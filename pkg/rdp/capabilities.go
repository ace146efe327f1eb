package rdp

import (
	"bytes"
	"encoding/binary"
)

// buildConfirmActivePDU builds the client's Confirm Active PDU
// (MS-RDPBCGR 2.2.1.13.2). cacheCapacities, when non-empty, adds a
// TS_BITMAPCACHE_CAPABILITYSET_REV2 advertising persistent caching support
// so the server has something to negotiate against (spec §4.4); nil omits
// it entirely, matching the historical no-persistence behavior.
func buildConfirmActivePDU(shareID uint32, cacheCapacities []int) ([]byte, error) {
	capsBuf := new(bytes.Buffer)
	numCaps := 0

	addGeneralCapabilitySet(capsBuf)
	numCaps++
	addBitmapCapabilitySet(capsBuf)
	numCaps++
	addOrderCapabilitySet(capsBuf)
	numCaps++
	addPointerCapabilitySet(capsBuf)
	numCaps++
	if len(cacheCapacities) > 0 {
		addBitmapCacheRev2CapabilitySet(capsBuf, cacheCapacities)
		numCaps++
	}

	capsData := capsBuf.Bytes()

	pdu := new(bytes.Buffer)
	binary.Write(pdu, binary.LittleEndian, shareID)
	binary.Write(pdu, binary.LittleEndian, uint16(1002))
	binary.Write(pdu, binary.LittleEndian, uint16(4))
	binary.Write(pdu, binary.LittleEndian, uint16(len(capsData)))
	pdu.WriteString("RDP\x00")
	binary.Write(pdu, binary.LittleEndian, uint16(numCaps))
	binary.Write(pdu, binary.LittleEndian, uint16(0))
	pdu.Write(capsData)

	finalPDU := new(bytes.Buffer)
	pduBytes := pdu.Bytes()
	totalLength := uint16(len(pduBytes) + 6)
	binary.Write(finalPDU, binary.LittleEndian, totalLength)
	binary.Write(finalPDU, binary.LittleEndian, uint16(PDUTYPE_CONFIRMACTIVEPDU|0x10))
	binary.Write(finalPDU, binary.LittleEndian, uint16(1002))
	finalPDU.Write(pduBytes)

	return finalPDU.Bytes(), nil
}

func addGeneralCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_GENERAL))
	binary.Write(buf, binary.LittleEndian, uint16(24))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(3))
	binary.Write(buf, binary.LittleEndian, uint16(0x0200))
	
	// extraFlags: matching Rust client
	// LONG_CREDENTIALS_SUPPORTED | NO_BITMAP_COMPRESSION_HDR | ENC_SALTED_CHECKSUM | FASTPATH_OUTPUT_SUPPORTED
	extraFlags := uint16(LONG_CREDENTIALS_SUPPORTED | NO_BITMAP_COMPRESSION_HDR | ENC_SALTED_CHECKSUM | FASTPATH_OUTPUT_SUPPORTED)
	binary.Write(buf, binary.LittleEndian, extraFlags)
	buf.Write(make([]byte, 12))
}

func addBitmapCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_BITMAP))
	binary.Write(buf, binary.LittleEndian, uint16(28))
	binary.Write(buf, binary.LittleEndian, uint16(16)) // Changed to 16bpp to match CS_CORE
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1024))
	binary.Write(buf, binary.LittleEndian, uint16(768))
	buf.Write(make([]byte, 2))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	buf.Write(make([]byte, 8))
}


func addOrderCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_ORDER))
	binary.Write(buf, binary.LittleEndian, uint16(88))
	// Actually, the Rust code has a complex struct. Let's just set the flags at the correct offset.
	// Order capability set is 88 bytes.
	// flags are at offset 80 (byte 84 in the struct?)?
	// Wait, looking at Rust code:
	// capability_set(Some(capability::ts_order_capability_set(Some(capability::OrderFlag::NEGOTIATEORDERSUPPORT as u16 | capability::OrderFlag::ZEROBOUNDSDELTASSUPPORT as u16))))
	// We need to be careful about the layout.
	// For now, we'll write the flags at the beginning of the "OrderSupport" array or "OrderFlags" field.
	// TS_ORDER_CAPABILITYSET:
	// terminalDescriptor (16 bytes)
	// pad4octets (4 bytes)
	// desktopSaveXGranularity (2 bytes)
	// desktopSaveYGranularity (2 bytes)
	// pad2octets (2 bytes)
	// maximumOrderLevel (2 bytes)
	// numberFonts (2 bytes)
	// orderFlags (2 bytes) <-- This is what we want?
	// orderSupport (32 bytes)
	// textFlags (2 bytes)
	// orderSupportExFlags (2 bytes)
	// ...
	
	// 16 + 4 + 2 + 2 + 2 + 2 + 2 = 30 bytes offset to orderFlags.
	
	// Writing 30 bytes of zeros (Terminal Descriptor...NumberFonts)
	buf.Write(make([]byte, 30)) 
	
	// orderFlags
	orderFlags := uint16(NEGOTIATEORDERSUPPORT | ZEROBOUNDSDELTASSUPPORT)
	binary.Write(buf, binary.LittleEndian, orderFlags)
	
	// Remaining bytes: 88 - 4 - 30 - 2 = 52 bytes
	buf.Write(make([]byte, 52))
}

func addPointerCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_POINTER))
	binary.Write(buf, binary.LittleEndian, uint16(10))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(20))
	binary.Write(buf, binary.LittleEndian, uint16(20))
}

// addBitmapCacheRev2CapabilitySet builds a TS_BITMAPCACHE_CAPABILITYSET_REV2
// (MS-RDPBCGR 2.2.7.1.4.2) advertising up to five cache cells with
// persistence and a waiting list enabled, the capability set
// bitmapcache.PersistentStore's sidecar format is grounded against.
// cellCapacities beyond maxBitmapCacheRev2Cells are ignored.
func addBitmapCacheRev2CapabilitySet(buf *bytes.Buffer, cellCapacities []int) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_BITMAPCACHE_REV2))
	binary.Write(buf, binary.LittleEndian, uint16(40)) // lengthCapability, fixed size
	cacheFlags := uint16(PERSISTENT_KEYS_EXPECTED_FLAG | ALLOW_CACHE_WAITING_LIST_FLAG)
	binary.Write(buf, binary.LittleEndian, cacheFlags)
	buf.WriteByte(0) // Pad1

	numCellCaches := len(cellCapacities)
	if numCellCaches > maxBitmapCacheRev2Cells {
		numCellCaches = maxBitmapCacheRev2Cells
	}
	buf.WriteByte(byte(numCellCaches))

	for i := 0; i < maxBitmapCacheRev2Cells; i++ {
		var cellInfo uint32
		if i < numCellCaches {
			cellInfo = uint32(cellCapacities[i])&^bitmapCacheCellInfoPersistentBit | bitmapCacheCellInfoPersistentBit
		}
		binary.Write(buf, binary.LittleEndian, cellInfo)
	}
	buf.Write(make([]byte, 12)) // Pad3
}

// negotiatedBitmapCacheVersion reports which bitmap cache scheme, if any,
// the server advertised in its Demand Active capability sets. Only
// bitmapCacheVersionRev2 carries persistence semantics
// bitmapcache.PersistentStore's on-disk format targets (spec §4.4); the
// legacy CAPSTYPE_BITMAPCACHE scheme has no persistent-keys mechanism.
func negotiatedBitmapCacheVersion(sets []CapabilitySet) int {
	version := bitmapCacheVersionNone
	for _, s := range sets {
		switch s.Type {
		case CAPSTYPE_BITMAPCACHE:
			if version < bitmapCacheVersionLegacy {
				version = bitmapCacheVersionLegacy
			}
		case CAPSTYPE_BITMAPCACHE_REV2:
			version = bitmapCacheVersionRev2
		}
	}
	return version
}
