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

package flows

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
)

const (
	// PriorityTableMiss sends everything unmatched to the controller
	PriorityTableMiss uint16 = 0
	// PriorityLearned is used for unicast rules derived from learned addresses
	PriorityLearned uint16 = 1
	// PriorityPolicy is used for deny rules, it must win over learned rules
	PriorityPolicy uint16 = 10
)

// Both constants overflow uint16, and fail to build, unless
// PriorityTableMiss < PriorityLearned < PriorityPolicy.
const (
	_ = uint16(PriorityLearned - PriorityTableMiss - 1)
	_ = uint16(PriorityPolicy - PriorityLearned - 1)
)

const (
	EthTypeIPv4 uint16 = 0x0800
	EthTypeARP  uint16 = 0x0806
	EthTypeLLDP uint16 = 0x88cc

	IPProtoICMP uint8 = 1
	IPProtoTCP  uint8 = 6
	IPProtoUDP  uint8 = 17
)

const (
	// PortFlood outputs on every port except the ingress port
	PortFlood uint32 = ofp13.OFPP_FLOOD
	// PortController sends the packet to the controller
	PortController uint32 = ofp13.OFPP_CONTROLLER

	// NoBuffer marks a packet that is not buffered on the switch
	NoBuffer uint32 = ofp13.OFP_NO_BUFFER
)

var ErrInvalidFlow = errors.New("invalid flow")

type ActionKind int

const (
	ActionDrop ActionKind = iota
	ActionForward
)

// Actions is the action set of a flow or packet-out. The zero value drops.
type Actions struct {
	kind  ActionKind
	ports []uint32
}

// Forward outputs to every given port, in order
func Forward(port uint32, more ...uint32) Actions {
	ports := make([]uint32, 0, len(more)+1)
	ports = append(ports, port)
	ports = append(ports, more...)

	return Actions{
		kind:  ActionForward,
		ports: ports,
	}
}

func Drop() Actions {
	return Actions{kind: ActionDrop}
}

func (a Actions) IsDrop() bool {
	return a.kind == ActionDrop
}

func (a Actions) Ports() []uint32 {
	if a.IsDrop() {
		return nil
	}

	ports := make([]uint32, len(a.ports))
	copy(ports, a.ports)
	return ports
}

// OfpActions returns the OpenFlow output actions, nil for drop.
func (a Actions) OfpActions() []ofp13.OfpAction {
	if a.IsDrop() {
		return nil
	}

	actions := make([]ofp13.OfpAction, 0, len(a.ports))
	for _, port := range a.ports {
		var maxLen uint16
		if port == PortController {
			maxLen = ofp13.OFPCML_NO_BUFFER
		}

		actions = append(actions, ofp13.NewOfpActionOutput(port, maxLen))
	}

	return actions
}

func (a Actions) String() string {
	if a.IsDrop() {
		return "drop"
	}

	actionSet := make([]string, 0, len(a.ports))
	for _, port := range a.ports {
		switch port {
		case PortFlood:
			actionSet = append(actionSet, "FLOOD")
		case PortController:
			actionSet = append(actionSet, fmt.Sprintf("CONTROLLER:%d", ofp13.OFPCML_NO_BUFFER))
		default:
			actionSet = append(actionSet, fmt.Sprintf("output:%d", port))
		}
	}

	return strings.Join(actionSet, ",")
}

// Match is a sparse OpenFlow match. Zero values are wildcards, so in_port 0
// and ip_proto 0 cannot be matched on.
type Match struct {
	InPort  uint32
	EthSrc  net.HardwareAddr
	EthDst  net.HardwareAddr
	EthType uint16
	IPProto uint8
	IPv4Src net.IP
	IPv4Dst net.IP
}

func (m Match) IsEmpty() bool {
	return m.InPort == 0 &&
		len(m.EthSrc) == 0 &&
		len(m.EthDst) == 0 &&
		m.EthType == 0 &&
		!m.hasIPv4Fields()
}

func (m Match) hasIPv4Fields() bool {
	return m.IPProto != 0 || m.IPv4Src != nil || m.IPv4Dst != nil
}

// effectiveEthType returns the ethertype put on the wire. IPv4 fields
// have an IPv4 prerequisite in OpenFlow so it is implied when left unset.
func (m Match) effectiveEthType() uint16 {
	if m.EthType == 0 && m.hasIPv4Fields() {
		return EthTypeIPv4
	}

	return m.EthType
}

func (m Match) Validate() error {
	if m.EthSrc != nil && len(m.EthSrc) != 6 {
		return fmt.Errorf("%w: eth_src %q is not a 48-bit MAC address", ErrInvalidFlow, m.EthSrc)
	}

	if m.EthDst != nil && len(m.EthDst) != 6 {
		return fmt.Errorf("%w: eth_dst %q is not a 48-bit MAC address", ErrInvalidFlow, m.EthDst)
	}

	if m.IPv4Src != nil && m.IPv4Src.To4() == nil {
		return fmt.Errorf("%w: ipv4_src %q is not an IPv4 address", ErrInvalidFlow, m.IPv4Src)
	}

	if m.IPv4Dst != nil && m.IPv4Dst.To4() == nil {
		return fmt.Errorf("%w: ipv4_dst %q is not an IPv4 address", ErrInvalidFlow, m.IPv4Dst)
	}

	if m.hasIPv4Fields() && m.effectiveEthType() != EthTypeIPv4 {
		return fmt.Errorf("%w: IPv4 fields require eth_type 0x%04x, got 0x%04x",
			ErrInvalidFlow, EthTypeIPv4, m.EthType)
	}

	return nil
}

// OfpMatch builds the OXM match. Fields are appended in prerequisite order.
func (m Match) OfpMatch() (*ofp13.OfpMatch, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	match := ofp13.NewOfpMatch()
	if m.InPort != 0 {
		match.Append(ofp13.NewOxmInPort(m.InPort))
	}

	if m.EthDst != nil {
		ethDst, err := ofp13.NewOxmEthDst(m.EthDst.String())
		if err != nil {
			return nil, fmt.Errorf("%w: eth_dst: %v", ErrInvalidFlow, err)
		}
		match.Append(ethDst)
	}

	if m.EthSrc != nil {
		ethSrc, err := ofp13.NewOxmEthSrc(m.EthSrc.String())
		if err != nil {
			return nil, fmt.Errorf("%w: eth_src: %v", ErrInvalidFlow, err)
		}
		match.Append(ethSrc)
	}

	if ethType := m.effectiveEthType(); ethType != 0 {
		match.Append(ofp13.NewOxmEthType(ethType))
	}

	if m.IPProto != 0 {
		match.Append(ofp13.NewOxmIpProto(m.IPProto))
	}

	if m.IPv4Src != nil {
		ipSrc, err := ofp13.NewOxmIpv4Src(m.IPv4Src.String())
		if err != nil {
			return nil, fmt.Errorf("%w: ipv4_src: %v", ErrInvalidFlow, err)
		}
		match.Append(ipSrc)
	}

	if m.IPv4Dst != nil {
		ipDst, err := ofp13.NewOxmIpv4Dst(m.IPv4Dst.String())
		if err != nil {
			return nil, fmt.Errorf("%w: ipv4_dst: %v", ErrInvalidFlow, err)
		}
		match.Append(ipDst)
	}

	return match, nil
}

func (m Match) String() string {
	var fields []string
	if m.InPort != 0 {
		fields = append(fields, fmt.Sprintf("in_port=%d", m.InPort))
	}

	if m.EthDst != nil {
		fields = append(fields, fmt.Sprintf("dl_dst=%s", m.EthDst))
	}

	if m.EthSrc != nil {
		fields = append(fields, fmt.Sprintf("dl_src=%s", m.EthSrc))
	}

	if ethType := m.effectiveEthType(); ethType != 0 {
		fields = append(fields, fmt.Sprintf("dl_type=0x%04x", ethType))
	}

	if m.IPProto != 0 {
		fields = append(fields, fmt.Sprintf("nw_proto=%d", m.IPProto))
	}

	if m.IPv4Src != nil {
		fields = append(fields, fmt.Sprintf("nw_src=%s", m.IPv4Src))
	}

	if m.IPv4Dst != nil {
		fields = append(fields, fmt.Sprintf("nw_dst=%s", m.IPv4Dst))
	}

	return strings.Join(fields, " ")
}

// Flow is a single table entry. It is built with NewFlow and the With*
// methods and rendered either as a FLOW_MOD or as a string for logs.
type Flow struct {
	table    uint8
	priority uint16
	match    Match
	actions  Actions
	bufferID uint32
}

func NewFlow() *Flow {
	return &Flow{
		actions:  Drop(),
		bufferID: NoBuffer,
	}
}

func (f *Flow) String() string {
	flow := fmt.Sprintf("table=%d priority=%d", f.table, f.priority)

	if match := f.match.String(); match != "" {
		flow = fmt.Sprintf("%s %s", flow, match)
	}

	return fmt.Sprintf("%s actions=%s", flow, f.actions)
}

func (f *Flow) Validate() error {
	if err := f.match.Validate(); err != nil {
		return err
	}

	if !f.actions.IsDrop() && len(f.actions.ports) == 0 {
		return fmt.Errorf("%w: forward action without ports", ErrInvalidFlow)
	}

	return nil
}

// FlowMod renders the flow as an OFPFC_ADD on its table. Drop flows carry
// no instructions.
func (f *Flow) FlowMod() (*ofp13.OfpFlowMod, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	match, err := f.match.OfpMatch()
	if err != nil {
		return nil, err
	}

	instructions := make([]ofp13.OfpInstruction, 0, 1)
	if !f.actions.IsDrop() {
		applyActions := ofp13.NewOfpInstructionActions(ofp13.OFPIT_APPLY_ACTIONS)
		for _, action := range f.actions.OfpActions() {
			applyActions.Append(action)
		}
		instructions = append(instructions, applyActions)
	}

	flowMod := ofp13.NewOfpFlowModAdd(0, 0, f.table, f.priority, 0, match, instructions)
	flowMod.BufferId = f.bufferID

	return flowMod, nil
}

func (f *Flow) Table() uint8 {
	return f.table
}

func (f *Flow) Priority() uint16 {
	return f.priority
}

func (f *Flow) Match() Match {
	return f.match
}

func (f *Flow) Actions() Actions {
	return f.actions
}

func (f *Flow) BufferID() uint32 {
	return f.bufferID
}

func (f *Flow) HasBuffer() bool {
	return f.bufferID != NoBuffer
}

// Flow Matchers
func (f *Flow) WithTable(table uint8) *Flow {
	f.table = table
	return f
}

func (f *Flow) WithPriority(priority uint16) *Flow {
	f.priority = priority
	return f
}

func (f *Flow) WithMatch(match Match) *Flow {
	f.match = match
	return f
}

func (f *Flow) WithInPort(port uint32) *Flow {
	f.match.InPort = port
	return f
}

func (f *Flow) WithEthSrc(mac net.HardwareAddr) *Flow {
	f.match.EthSrc = mac
	return f
}

func (f *Flow) WithEthDst(mac net.HardwareAddr) *Flow {
	f.match.EthDst = mac
	return f
}

// Actions
func (f *Flow) WithActionOutputPort(port uint32, more ...uint32) *Flow {
	f.actions = Forward(port, more...)
	return f
}

func (f *Flow) WithActionDrop() *Flow {
	f.actions = Drop()
	return f
}

// WithBufferID applies the flow to a packet buffered on the switch as well
func (f *Flow) WithBufferID(bufferID uint32) *Flow {
	f.bufferID = bufferID
	return f
}
