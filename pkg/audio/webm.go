package audio

import (
	"errors"
	"fmt"
)

// EBML element ids used by WebM audio produced by browser recorders.
const (
	ebmlSegment     = 0x18538067
	ebmlCluster     = 0x1F43B675
	ebmlTracks      = 0x1654AE6B
	ebmlTrackEntry  = 0xAE
	ebmlTrackNumber = 0xD7
	ebmlCodecID     = 0x86
	ebmlCodecPriv   = 0x63A2
	ebmlSimpleBlock = 0xA3
	ebmlBlockGroup  = 0xA0
	ebmlBlock       = 0xA1
)

// webmContainers are descended into rather than skipped. Recorders write
// Segment and Cluster with unknown size, so walking them flat is the only
// way to find their children.
var webmContainers = map[uint32]bool{
	ebmlSegment:    true,
	ebmlCluster:    true,
	ebmlTracks:     true,
	ebmlTrackEntry: true,
	ebmlBlockGroup: true,
}

// readVint reads an EBML variable-length integer at b[off:]. When keepMarker
// is set (element ids) the length marker bit is preserved. The returned
// unknown flag reports an all-ones size.
func readVint(b []byte, off int, keepMarker bool) (val uint64, n int, unknown bool, err error) {
	if off >= len(b) {
		return 0, 0, false, errors.New("audio: webm: truncated vint")
	}
	first := b[off]
	n = 1
	for mask := byte(0x80); n <= 8 && first&mask == 0; mask >>= 1 {
		n++
	}
	if n > 8 || off+n > len(b) {
		return 0, 0, false, errors.New("audio: webm: invalid vint")
	}
	if keepMarker {
		val = uint64(first)
	} else {
		val = uint64(first & (0xFF >> n))
	}
	allOnes := val == uint64(0xFF>>n)
	for i := 1; i < n; i++ {
		val = val<<8 | uint64(b[off+i])
		allOnes = allOnes && b[off+i] == 0xFF
	}
	return val, n, allOnes && !keepMarker, nil
}

// decodeWebMOpus extracts the Opus track of a WebM file and decodes it. Only
// unlaced blocks are supported, which is what browser recorders produce.
func decodeWebMOpus(data []byte) (PCM, error) {
	var (
		packets  [][]byte
		head     opusHead
		haveHead bool
		track    uint64
		curTrack uint64
		curCodec string
		curPriv  []byte
	)

	endTrack := func() {
		if curCodec == "A_OPUS" && !haveHead {
			if h, err := parseOpusHead(curPriv); err == nil {
				head, haveHead, track = h, true, curTrack
			}
		}
		curTrack, curCodec, curPriv = 0, "", nil
	}

	off := 0
	inTrack := false
	trackEnd := 0
	for off < len(data) {
		if inTrack && off >= trackEnd {
			endTrack()
			inTrack = false
		}
		id, idLen, _, err := readVint(data, off, true)
		if err != nil {
			return PCM{}, err
		}
		size, sizeLen, unknown, err := readVint(data, off+idLen, false)
		if err != nil {
			return PCM{}, err
		}
		body := off + idLen + sizeLen
		end := len(data)
		if !unknown && size <= uint64(len(data)-body) {
			end = body + int(size)
		}

		if webmContainers[uint32(id)] {
			if uint32(id) == ebmlTrackEntry {
				if inTrack {
					endTrack()
				}
				inTrack, trackEnd = true, end
			}
			off = body
			continue
		}

		payload := data[body:end]
		switch uint32(id) {
		case ebmlTrackNumber:
			curTrack = beUint(payload)
		case ebmlCodecID:
			curCodec = string(payload)
		case ebmlCodecPriv:
			curPriv = payload
		case ebmlSimpleBlock, ebmlBlock:
			if inTrack {
				endTrack()
				inTrack = false
			}
			if !haveHead {
				break
			}
			tn, tnLen, _, err := readVint(payload, 0, false)
			if err != nil {
				return PCM{}, err
			}
			if tn != track {
				break
			}
			hdr := tnLen + 3
			if hdr > len(payload) {
				return PCM{}, errors.New("audio: webm: truncated block")
			}
			if lacing := payload[tnLen+2] & 0x06; lacing != 0 {
				return PCM{}, fmt.Errorf("audio: webm: laced blocks are not supported (flags %#x)", payload[tnLen+2])
			}
			packets = append(packets, payload[hdr:])
		}
		off = end
	}
	if inTrack {
		endTrack()
	}

	if !haveHead {
		return PCM{}, errors.New("audio: webm: no opus track")
	}
	return decodeOpus(head, packets)
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
