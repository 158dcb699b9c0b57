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

package openflow

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-vswitch/l2switch/connection"
	"github.com/k-vswitch/l2switch/flows"
	"github.com/k-vswitch/l2switch/policy"
	"github.com/k-vswitch/l2switch/registry"
)

// fakeChannel records every message sent to the switch
type fakeChannel struct {
	mu      sync.Mutex
	sent    []ofp13.OFMessage
	sendErr error

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeChannel) ReadMessage() ([]byte, error) {
	select {
	case buf := <-f.incoming:
		return buf, nil
	case <-f.closed:
		return nil, &connection.ChannelError{Op: "read", Err: io.EOF}
	}
}

func (f *fakeChannel) Send(msg ofp13.OFMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return &connection.ChannelError{Op: "write", Err: f.sendErr}
	}

	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
	})
	return nil
}

func (f *fakeChannel) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// takeSent returns the messages sent since the last call
func (f *fakeChannel) takeSent() []ofp13.OFMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := f.sent
	f.sent = nil
	return sent
}

func header(msgType uint8, length int, xid uint32) []byte {
	buf := make([]byte, length)
	buf[0] = connection.Version
	buf[1] = msgType
	binary.BigEndian.PutUint16(buf[2:], uint16(length))
	binary.BigEndian.PutUint32(buf[4:], xid)
	return buf
}

func helloBytes(version uint8) []byte {
	buf := header(ofp13.OFPT_HELLO, 8, 1)
	buf[0] = version
	return buf
}

func echoRequestBytes(xid uint32) []byte {
	return header(ofp13.OFPT_ECHO_REQUEST, 8, xid)
}

func errorBytes(errType, code uint16) []byte {
	buf := header(ofp13.OFPT_ERROR, 12, 9)
	binary.BigEndian.PutUint16(buf[8:], errType)
	binary.BigEndian.PutUint16(buf[10:], code)
	return buf
}

func featuresReplyBytes(dpid uint64) []byte {
	buf := header(ofp13.OFPT_FEATURES_REPLY, 32, 2)
	binary.BigEndian.PutUint64(buf[8:], dpid)
	// n_buffers, n_tables and capabilities
	binary.BigEndian.PutUint32(buf[16:], 256)
	buf[20] = 254
	binary.BigEndian.PutUint32(buf[24:], 0x4f)
	return buf
}

// packetInBytes builds an OFPT_PACKET_IN whose match only carries in_port
func packetInBytes(bufferID, inPort uint32, frame []byte) []byte {
	const dataOffset = 42

	buf := header(ofp13.OFPT_PACKET_IN, dataOffset+len(frame), 3)
	binary.BigEndian.PutUint32(buf[8:], bufferID)
	binary.BigEndian.PutUint16(buf[12:], uint16(len(frame)))
	buf[14] = 0 // reason: no match

	// ofp_match with a single OXM in_port field, padded to 16 bytes
	binary.BigEndian.PutUint16(buf[24:], 1)
	binary.BigEndian.PutUint16(buf[26:], 12)
	binary.BigEndian.PutUint32(buf[28:], 0x80000004)
	binary.BigEndian.PutUint32(buf[32:], inPort)

	copy(buf[dataOffset:], frame)
	return buf
}

// packetInMetadataBytes carries an in_port and metadata match, which is
// exactly 24 bytes long and so needs no padding.
func packetInMetadataBytes(bufferID, inPort uint32, metadata uint64, frame []byte) []byte {
	const dataOffset = 50

	buf := header(ofp13.OFPT_PACKET_IN, dataOffset+len(frame), 3)
	binary.BigEndian.PutUint32(buf[8:], bufferID)
	binary.BigEndian.PutUint16(buf[12:], uint16(len(frame)))

	binary.BigEndian.PutUint16(buf[24:], 1)
	binary.BigEndian.PutUint16(buf[26:], 24)
	binary.BigEndian.PutUint32(buf[28:], 0x80000004)
	binary.BigEndian.PutUint32(buf[32:], inPort)
	binary.BigEndian.PutUint32(buf[36:], 0x80000408)
	binary.BigEndian.PutUint64(buf[40:], metadata)

	copy(buf[dataOffset:], frame)
	return buf
}

func portStatusBytes(reason uint8, portNo uint32) []byte {
	buf := header(ofp13.OFPT_PORT_STATUS, 80, 4)
	buf[8] = reason
	binary.BigEndian.PutUint32(buf[16:], portNo)
	return buf
}

// newActiveController runs the hello and features handshake for dpid
func newActiveController(t *testing.T, reg *registry.Registry, dpid uint64) (*controller, *fakeChannel) {
	t.Helper()

	ch := newFakeChannel()
	c := NewController(ch, reg, policy.Default())

	require.NoError(t, c.dispatch(helloBytes(connection.Version)))
	require.NoError(t, c.dispatch(featuresReplyBytes(dpid)))
	require.Equal(t, StateActive, c.State())

	ch.takeSent()
	return c, ch
}

func flowMods(t *testing.T, msgs []ofp13.OFMessage) []*ofp13.OfpFlowMod {
	t.Helper()

	var result []*ofp13.OfpFlowMod
	for _, msg := range msgs {
		if flowMod, ok := msg.(*ofp13.OfpFlowMod); ok {
			result = append(result, flowMod)
		}
	}
	return result
}

func Test_Handshake(t *testing.T) {
	reg := registry.New()
	ch := newFakeChannel()
	c := NewController(ch, reg, policy.Default())
	assert.Equal(t, StateConnecting, c.State())

	require.NoError(t, c.Initialize())
	sent := ch.takeSent()
	require.Len(t, sent, 1)
	assert.IsType(t, &ofp13.OfpHello{}, sent[0])

	require.NoError(t, c.dispatch(helloBytes(connection.Version)))
	sent = ch.takeSent()
	require.Len(t, sent, 1)
	featuresRequest, ok := sent[0].(*ofp13.OfpHeader)
	require.True(t, ok)
	assert.Equal(t, uint8(ofp13.OFPT_FEATURES_REQUEST), featuresRequest.Type)

	require.NoError(t, c.dispatch(featuresReplyBytes(1)))
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, uint64(1), c.DatapathID())
	assert.Equal(t, 1, reg.Len())

	// table-miss first, then the policy
	setupFlows := flowMods(t, ch.takeSent())
	require.Len(t, setupFlows, 2)
	assert.Equal(t, flows.PriorityTableMiss, setupFlows[0].Priority)
	assert.Empty(t, setupFlows[0].Match.OxmFields)
	assert.Equal(t, flows.PriorityPolicy, setupFlows[1].Priority)
	assert.Empty(t, setupFlows[1].Instructions, "policy rules drop")
	assert.NotEqual(t, setupFlows[0].Priority, setupFlows[1].Priority)

	applyActions := setupFlows[0].Instructions[0].(*ofp13.OfpInstructionActions)
	output := applyActions.Actions[0].(*ofp13.OfpActionOutput)
	assert.Equal(t, uint32(ofp13.OFPP_CONTROLLER), output.Port)
	assert.Equal(t, uint16(ofp13.OFPCML_NO_BUFFER), output.MaxLen)

	assert.Equal(t, 2, c.installer.flows.Len())

	// a second features reply does not configure the switch again
	require.NoError(t, c.dispatch(featuresReplyBytes(1)))
	assert.Empty(t, ch.takeSent())
}

func Test_UnsupportedVersion(t *testing.T) {
	ch := newFakeChannel()
	c := NewController(ch, registry.New(), policy.Default())

	err := c.dispatch(helloBytes(1))
	assert.True(t, errors.Is(err, errUnsupportedVersion))
	assert.Empty(t, ch.takeSent())
}

func Test_Echo(t *testing.T) {
	ch := newFakeChannel()
	c := NewController(ch, registry.New(), policy.Default())

	require.NoError(t, c.dispatch(echoRequestBytes(42)))
	sent := ch.takeSent()
	require.Len(t, sent, 1)

	reply, ok := sent[0].(*ofp13.OfpHeader)
	require.True(t, ok)
	assert.Equal(t, uint8(ofp13.OFPT_ECHO_REPLY), reply.Type)
	assert.Equal(t, uint32(42), reply.Xid)

	require.NoError(t, c.dispatch(header(ofp13.OFPT_ECHO_REPLY, 8, 43)))
	assert.Empty(t, ch.takeSent())
}

func Test_ErrorAndUnknownMessagesAreNotFatal(t *testing.T) {
	reg := registry.New()
	c, ch := newActiveController(t, reg, 1)

	assert.NoError(t, c.dispatch(errorBytes(1, 2)))
	assert.NoError(t, c.dispatch(header(ofp13.OFPT_BARRIER_REPLY, 8, 5)))
	// truncated features reply
	assert.NoError(t, c.dispatch(header(ofp13.OFPT_FEATURES_REPLY, 8, 6)))

	assert.Empty(t, ch.takeSent())
	assert.Equal(t, StateActive, c.State())
}

func Test_PacketInBeforeActive(t *testing.T) {
	reg := registry.New()
	ch := newFakeChannel()
	c := NewController(ch, reg, policy.Default())

	frame := ethernetFrame(t, mac1, mac2, ethTypeIPv4)
	require.NoError(t, c.dispatch(packetInBytes(flows.NoBuffer, 1, frame)))

	assert.Empty(t, ch.takeSent())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, StateConnecting, c.State())
}

func Test_SetupFailureIsFatal(t *testing.T) {
	ch := newFakeChannel()
	c := NewController(ch, registry.New(), policy.Default())
	require.NoError(t, c.dispatch(helloBytes(connection.Version)))

	ch.sendErr = errors.New("broken pipe")
	err := c.dispatch(featuresReplyBytes(1))

	var channelErr *connection.ChannelError
	assert.True(t, errors.As(err, &channelErr))
	assert.True(t, errors.Is(err, errSetupFailed))
	assert.Equal(t, StateConfigured, c.State())
}

func Test_DuplicateRegistration(t *testing.T) {
	reg := registry.New()
	first, firstCh := newActiveController(t, reg, 1)
	require.NoError(t, reg.Learn(1, parseMAC(t, mac1), 1))

	second, secondCh := newActiveController(t, reg, 1)

	// the stale connection is closed and the new one starts empty
	assert.True(t, firstCh.isClosed())
	assert.False(t, secondCh.isClosed())
	_, known, err := reg.Lookup(1, parseMAC(t, mac1))
	require.NoError(t, err)
	assert.False(t, known)

	// tearing down the stale controller leaves the new entry alone
	first.disconnect()
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, StateActive, second.State())

	second.disconnect()
	assert.Equal(t, 0, reg.Len())
}

func Test_Disconnect(t *testing.T) {
	reg := registry.New()
	c, ch := newActiveController(t, reg, 1)
	require.NoError(t, c.dispatch(packetInBytes(flows.NoBuffer, 1, ethernetFrame(t, mac1, mac2, ethTypeIPv4))))

	c.disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, ch.isClosed())
	assert.Equal(t, 0, reg.Len())
	_, _, err := reg.Lookup(1, parseMAC(t, mac1))
	assert.True(t, errors.Is(err, registry.ErrUnknownSwitch))

	// disconnecting twice is a no-op
	c.disconnect()
}

func Test_RunStopsOnCancel(t *testing.T) {
	reg := registry.New()
	ch := newFakeChannel()
	c := NewController(ch, reg, policy.Default())

	ch.incoming <- helloBytes(connection.Version)
	ch.incoming <- featuresReplyBytes(7)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return reg.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop after cancel")
	}

	assert.True(t, ch.isClosed())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, StateDisconnected, c.State())
}

func Test_RunChannelLoss(t *testing.T) {
	reg := registry.New()
	ch := newFakeChannel()
	c := NewController(ch, reg, policy.Default())

	ch.incoming <- helloBytes(connection.Version)
	ch.incoming <- featuresReplyBytes(7)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return reg.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	ch.Close()
	select {
	case err := <-done:
		var channelErr *connection.ChannelError
		assert.True(t, errors.As(err, &channelErr))
		assert.True(t, errors.Is(err, io.EOF))
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop after channel loss")
	}

	assert.Equal(t, 0, reg.Len())
}

// A binding outlives port changes, a known destination is never flooded
// again for the lifetime of the connection.
func Test_PortStatusKeepsBindings(t *testing.T) {
	reg := registry.New()
	c, ch := newActiveController(t, reg, 1)
	require.NoError(t, reg.Learn(1, parseMAC(t, mac2), 2))

	require.NoError(t, c.dispatch(portStatusBytes(ofp13.OFPPR_DELETE, 2)))
	assert.Empty(t, ch.takeSent())

	frame := ethernetFrame(t, mac1, mac2, ethTypeIPv4)
	require.NoError(t, c.dispatch(packetInBytes(flows.NoBuffer, 1, frame)))

	sent := ch.takeSent()
	require.Len(t, sent, 2)
	assert.Equal(t, []uint32{2}, flowModOutputPorts(t, sent[0].(*ofp13.OfpFlowMod)))
	assert.Equal(t, []uint32{2}, outputPorts(t, sent[1].(*ofp13.OfpPacketOut).Actions))
}

func Test_State(t *testing.T) {
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONFIGURED", StateConfigured.String())
	assert.Equal(t, "ACTIVE", StateActive.String())
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "State(9)", State(9).String())
}
