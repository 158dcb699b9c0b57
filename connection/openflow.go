/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

package connection

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
)

const (
	// HeaderLen is the size of the header carried by every OpenFlow message
	HeaderLen = 8

	// Version is the OpenFlow wire version spoken by the controller (1.3)
	Version = 4

	// flowModMatchOffset is where ofp_match starts inside a FLOW_MOD
	flowModMatchOffset = 48

	// packetInMatchOffset is where ofp_match starts inside a PACKET_IN
	packetInMatchOffset = 24
)

// ErrProtocolParse is returned for messages or frames that cannot be decoded
var ErrProtocolParse = errors.New("protocol parse error")

// SerializeMessage returns the wire encoding of msg.
func SerializeMessage(msg ofp13.OFMessage) []byte {
	buf := msg.Serialize()
	if _, ok := msg.(*ofp13.OfpFlowMod); ok {
		buf = trimMatchPadding(buf, flowModMatchOffset)
	}

	return buf
}

// trimMatchPadding drops the 8 zero bytes ofp13 appends after an OXM match
// whose length is already a multiple of 8, and fixes up the header length.
func trimMatchPadding(buf []byte, offset int) []byte {
	if len(buf) < offset+4 {
		return buf
	}

	matchLen := int(binary.BigEndian.Uint16(buf[offset+2:]))
	if matchLen%8 != 0 || len(buf) < offset+matchLen+8 {
		return buf
	}

	end := offset + matchLen
	out := append(buf[:end:end], buf[end+8:]...)
	binary.BigEndian.PutUint16(out[2:], uint16(len(out)))

	return out
}

// ParseMessage decodes a complete OpenFlow message. The gofc parsers index
// into the buffer without bounds checks, so a truncated body panics inside
// ofp13; that is reported as ErrProtocolParse instead.
func ParseMessage(buf []byte) (msg ofp13.OFMessage, err error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("%w: message of %d bytes is shorter than the header", ErrProtocolParse, len(buf))
	}

	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("%w: message type %d: %v", ErrProtocolParse, MessageType(buf), r)
		}
	}()

	msg = ofp13.Parse(buf)
	if msg == nil {
		return nil, fmt.Errorf("%w: unsupported message type %d", ErrProtocolParse, MessageType(buf))
	}

	if packetIn, ok := msg.(*ofp13.OfpPacketIn); ok {
		if err := resliceFrame(packetIn, buf); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// resliceFrame sets the packet-in frame from the match length on the wire.
// ofp13 locates the frame with OfpMatch.Size, which is 8 bytes too long for
// a match whose length is already a multiple of 8.
func resliceFrame(packetIn *ofp13.OfpPacketIn, buf []byte) error {
	if len(buf) < packetInMatchOffset+4 {
		return fmt.Errorf("%w: packet-in of %d bytes has no match", ErrProtocolParse, len(buf))
	}

	matchLen := int(binary.BigEndian.Uint16(buf[packetInMatchOffset+2:]))
	if matchLen < 4 {
		return fmt.Errorf("%w: packet-in match length %d", ErrProtocolParse, matchLen)
	}

	// the match is padded to 8 bytes and followed by 2 bytes of padding
	dataOffset := packetInMatchOffset + (matchLen+7)&^7 + 2
	if dataOffset > len(buf) {
		return fmt.Errorf("%w: packet-in match length %d exceeds message of %d bytes",
			ErrProtocolParse, matchLen, len(buf))
	}

	packetIn.Data = make([]byte, len(buf)-dataOffset)
	copy(packetIn.Data, buf[dataOffset:])
	return nil
}

// MessageVersion returns the protocol version from an OpenFlow header
func MessageVersion(buf []byte) uint8 {
	return buf[0]
}

// MessageType returns the OFPT_* type from an OpenFlow header
func MessageType(buf []byte) uint8 {
	return buf[1]
}

func MessageLength(buf []byte) int {
	// Length attribute in OFP header is uint16 read in BigEndian
	// buf[2:] because first byte is version, second byte is type and
	// length is next
	return int(binary.BigEndian.Uint16(buf[2:]))
}
