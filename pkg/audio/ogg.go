package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const oggPageHeaderSize = 27

// oggPackets reassembles the packets of the first logical bitstream in an Ogg
// container. Packets may span pages. CRCs are not verified.
func oggPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
		serial  uint32
		seen    bool
	)
	off := 0
	for off < len(data) {
		if off+oggPageHeaderSize > len(data) {
			return nil, errors.New("audio: ogg: truncated page header")
		}
		if string(data[off:off+4]) != "OggS" {
			return nil, fmt.Errorf("audio: ogg: bad capture pattern at offset %d", off)
		}
		pageSerial := binary.LittleEndian.Uint32(data[off+14 : off+18])
		nsegs := int(data[off+26])
		segTable := off + oggPageHeaderSize
		if segTable+nsegs > len(data) {
			return nil, errors.New("audio: ogg: truncated segment table")
		}
		body := segTable + nsegs
		bodyLen := 0
		for _, l := range data[segTable:body] {
			bodyLen += int(l)
		}
		if body+bodyLen > len(data) {
			return nil, errors.New("audio: ogg: truncated page body")
		}

		if !seen {
			serial, seen = pageSerial, true
		}
		if pageSerial == serial {
			pos := body
			for _, l := range data[segTable:body] {
				partial = append(partial, data[pos:pos+int(l)]...)
				pos += int(l)
				// A lacing value below 255 terminates the packet.
				if l < 255 {
					packets = append(packets, partial)
					partial = nil
				}
			}
		}
		off = body + bodyLen
	}
	if len(partial) > 0 {
		packets = append(packets, partial)
	}
	return packets, nil
}

// decodeOggOpus decodes an Ogg Opus file: OpusHead, OpusTags, audio packets.
func decodeOggOpus(data []byte) (PCM, error) {
	packets, err := oggPackets(data)
	if err != nil {
		return PCM{}, err
	}
	if len(packets) < 2 {
		return PCM{}, errors.New("audio: ogg: missing opus headers")
	}
	head, err := parseOpusHead(packets[0])
	if err != nil {
		return PCM{}, err
	}
	return decodeOpus(head, packets[2:])
}
