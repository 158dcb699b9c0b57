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
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"k8s.io/klog/v2"

	"github.com/k-vswitch/l2switch/connection"
	"github.com/k-vswitch/l2switch/metrics"
	"github.com/k-vswitch/l2switch/policy"
	"github.com/k-vswitch/l2switch/registry"
)

type State int

const (
	StateConnecting State = iota
	StateConfigured
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConfigured:
		return "CONFIGURED"
	case StateActive:
		return "ACTIVE"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	errUnsupportedVersion = errors.New("unsupported OpenFlow version")
	errSetupFailed        = errors.New("switch setup failed")
)

type channel interface {
	ReadMessage() ([]byte, error)
	Send(msg ofp13.OFMessage) error
	Close() error
}

type handlerFunc func(msg ofp13.OFMessage) error

// controller drives a single switch connection. All of its methods run on
// the goroutine calling Run.
type controller struct {
	conn      channel
	registry  *registry.Registry
	policy    *policy.Policy
	installer *installer

	state    State
	dpid     uint64
	table    *registry.AddressTable
	features *ofp13.OfpSwitchFeatures

	handlers map[uint8]handlerFunc
}

func NewController(conn channel, reg *registry.Registry, pol *policy.Policy) *controller {
	c := &controller{
		conn:      conn,
		registry:  reg,
		policy:    pol,
		installer: newInstaller(conn),
		state:     StateConnecting,
	}

	c.handlers = map[uint8]handlerFunc{
		ofp13.OFPT_HELLO:          c.handleHello,
		ofp13.OFPT_ERROR:          c.handleError,
		ofp13.OFPT_ECHO_REQUEST:   c.handleEchoRequest,
		ofp13.OFPT_ECHO_REPLY:     c.handleEchoReply,
		ofp13.OFPT_FEATURES_REPLY: c.handleFeaturesReply,
		ofp13.OFPT_PACKET_IN:      c.handlePacketIn,
	}

	return c
}

func (c *controller) State() State {
	return c.state
}

func (c *controller) DatapathID() uint64 {
	return c.dpid
}

func (c *controller) Initialize() error {
	// send initial hello which is required to establish a proper connection
	// with an open flow switch.
	hello := ofp13.NewOfpHello()
	if err := c.conn.Send(hello); err != nil {
		return err
	}

	klog.V(2).Info("OF_HELLO message sent to switch")
	return nil
}

// Run handles messages from the switch until the connection fails, a
// fatal protocol error occurs or ctx is cancelled. The switch is torn down
// before Run returns.
func (c *controller) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	defer stop()
	defer c.disconnect()

	if err := c.Initialize(); err != nil {
		return err
	}

	for {
		buf, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.dispatch(buf); err != nil {
			return err
		}
	}
}

// dispatch hands a raw message to its handler. Only fatal errors are
// returned, everything else is logged and the message dropped.
func (c *controller) dispatch(buf []byte) error {
	msgType := connection.MessageType(buf)
	handler, ok := c.handlers[msgType]
	if !ok {
		klog.V(4).Infof("switch %016x: ignoring message type %d", c.dpid, msgType)
		return nil
	}

	msg, err := connection.ParseMessage(buf)
	if err != nil {
		if msgType == ofp13.OFPT_PACKET_IN {
			metrics.ObservePacketIn(metrics.PacketInMalformed)
		}
		klog.V(2).Infof("switch %016x: dropping message: %v", c.dpid, err)
		return nil
	}

	err = handler(msg)
	if err == nil {
		return nil
	}

	if isFatal(err) {
		return err
	}

	klog.V(2).Infof("switch %016x: dropping message type %d: %v", c.dpid, msgType, err)
	return nil
}

func isFatal(err error) bool {
	var channelErr *connection.ChannelError
	return errors.As(err, &channelErr) ||
		errors.Is(err, errUnsupportedVersion) ||
		errors.Is(err, errSetupFailed)
}

func (c *controller) handleHello(msg ofp13.OFMessage) error {
	hello, ok := msg.(*ofp13.OfpHello)
	if !ok {
		return fmt.Errorf("%w: unexpected hello message %T", connection.ErrProtocolParse, msg)
	}

	if hello.Header.Version < connection.Version {
		return fmt.Errorf("%w: switch speaks version %d, need at least %d",
			errUnsupportedVersion, hello.Header.Version, connection.Version)
	}

	// hello received, next thing to do is send a feature request message
	// to receive the data path ID of the switch
	return c.conn.Send(ofp13.NewOfpFeaturesRequest())
}

func (c *controller) handleError(msg ofp13.OFMessage) error {
	errMsg, ok := msg.(*ofp13.OfpErrorMsg)
	if !ok {
		return fmt.Errorf("%w: unexpected error message %T", connection.ErrProtocolParse, msg)
	}

	klog.Errorf("switch %016x reported error type=%d code=%d xid=%d",
		c.dpid, errMsg.Type, errMsg.Code, errMsg.Header.Xid)
	return nil
}

func (c *controller) handleEchoRequest(msg ofp13.OFMessage) error {
	request, ok := msg.(*ofp13.OfpHeader)
	if !ok {
		return fmt.Errorf("%w: unexpected echo request %T", connection.ErrProtocolParse, msg)
	}

	echoReply := ofp13.NewOfpEchoReply()
	echoReply.Xid = request.Xid
	if err := c.conn.Send(echoReply); err != nil {
		return err
	}

	klog.V(5).Info("echo reply sent to switch")
	return nil
}

func (c *controller) handleEchoReply(ofp13.OFMessage) error {
	klog.V(5).Info("received echo reply from switch")
	return nil
}

func (c *controller) handleFeaturesReply(msg ofp13.OFMessage) error {
	features, ok := msg.(*ofp13.OfpSwitchFeatures)
	if !ok {
		return fmt.Errorf("%w: unexpected features reply %T", connection.ErrProtocolParse, msg)
	}

	if c.state != StateConnecting {
		klog.V(2).Infof("switch %016x: ignoring features reply in state %s", c.dpid, c.state)
		return nil
	}

	return c.configure(features)
}

// configure registers the switch and installs the table-miss rule followed
// by the policy. The switch only becomes ACTIVE once both are written.
func (c *controller) configure(features *ofp13.OfpSwitchFeatures) error {
	c.dpid = features.DatapathId
	c.features = features
	c.installer.dpid = features.DatapathId

	table, err := c.registry.Register(c.dpid, c.evict)
	if errors.Is(err, registry.ErrDuplicateSwitch) {
		klog.Warningf("switch %016x registered twice, replaced the previous connection: %v", c.dpid, err)
	} else if err != nil {
		return fmt.Errorf("%w: %w", errSetupFailed, err)
	}

	c.table = table
	metrics.SetConnectedSwitches(c.registry.Len())
	c.setState(StateConfigured)

	if err := c.installer.InstallTableMiss(); err != nil {
		return fmt.Errorf("%w: error installing table-miss flow: %w", errSetupFailed, err)
	}

	if err := c.policy.InstallPolicy(c.installer); err != nil {
		return fmt.Errorf("%w: %w", errSetupFailed, err)
	}

	c.setState(StateActive)
	klog.Infof("switch %016x is active, buffers=%d tables=%d capabilities=%#x",
		c.dpid, features.NBuffers, features.NTables, features.Capabilities)
	klog.V(4).Infof("switch %016x flows:\n%s", c.dpid, c.installer.flows)
	return nil
}

func (c *controller) handlePacketIn(msg ofp13.OFMessage) error {
	packetIn, ok := msg.(*ofp13.OfpPacketIn)
	if !ok {
		return fmt.Errorf("%w: unexpected packet-in %T", connection.ErrProtocolParse, msg)
	}

	if c.state != StateActive {
		metrics.ObservePacketIn(metrics.PacketInRejected)
		klog.Warningf("switch %016x: protocol violation, packet-in received in state %s", c.dpid, c.state)
		return nil
	}

	return c.learnAndForward(packetIn)
}

func (c *controller) setState(state State) {
	klog.V(4).Infof("switch %016x: %s -> %s", c.dpid, c.state, state)
	c.state = state
}

// evict is called by the registry when another connection registers the
// same datapath id.
func (c *controller) evict() {
	klog.Warningf("switch %016x: closing stale connection", c.dpid)
	c.conn.Close()
}

func (c *controller) disconnect() {
	if c.state == StateDisconnected {
		return
	}

	c.setState(StateDisconnected)
	c.conn.Close()

	if c.table != nil {
		c.registry.Unregister(c.dpid, c.table)
		metrics.SetConnectedSwitches(c.registry.Len())
	}
}

// Manager runs a controller for every switch connection
type Manager struct {
	registry *registry.Registry
	policy   *policy.Policy
}

func NewManager(reg *registry.Registry, pol *policy.Policy) *Manager {
	return &Manager{
		registry: reg,
		policy:   pol,
	}
}

// HandleConnection implements connection.Handler
func (m *Manager) HandleConnection(ctx context.Context, conn *connection.Conn) {
	c := NewController(conn, m.registry, m.policy)

	err := c.Run(ctx)
	dpid := c.DatapathID()
	switch {
	case err == nil:
		klog.Infof("switch %016x: controller stopped", dpid)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		klog.Infof("switch %016x at %s disconnected", dpid, conn.RemoteAddr())
	default:
		klog.Errorf("switch %016x at %s torn down: %v", dpid, conn.RemoteAddr(), err)
	}
}
