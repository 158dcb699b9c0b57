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
	"fmt"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"k8s.io/klog/v2"

	"github.com/k-vswitch/l2switch/connection"
	"github.com/k-vswitch/l2switch/flows"
	"github.com/k-vswitch/l2switch/metrics"
)

func decodeFrame(data []byte) (*layers.Ethernet, error) {
	eth := &layers.Ethernet{}
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", connection.ErrProtocolParse, err)
	}

	return eth, nil
}

func inPortFromMatch(match *ofp13.OfpMatch) (uint32, bool) {
	if match == nil {
		return 0, false
	}

	for _, field := range match.OxmFields {
		if inPort, ok := field.(*ofp13.OxmInPort); ok {
			return inPort.Value, true
		}
	}

	return 0, false
}

// learnAndForward learns the source address of a packet-in and forwards
// the packet. Known destinations get a unicast rule installed, unknown
// ones are flooded without a rule.
func (c *controller) learnAndForward(packetIn *ofp13.OfpPacketIn) error {
	inPort, ok := inPortFromMatch(packetIn.Match)
	if !ok {
		metrics.ObservePacketIn(metrics.PacketInMalformed)
		return fmt.Errorf("%w: packet-in without in_port", connection.ErrProtocolParse)
	}

	eth, err := decodeFrame(packetIn.Data)
	if err != nil {
		metrics.ObservePacketIn(metrics.PacketInMalformed)
		return err
	}

	// ignore lldp packets
	if uint16(eth.EthernetType) == flows.EthTypeLLDP {
		metrics.ObservePacketIn(metrics.PacketInLLDP)
		return nil
	}

	klog.V(5).Infof("switch %016x: packet in %s -> %s in_port=%d",
		c.dpid, eth.SrcMAC, eth.DstMAC, inPort)

	if err := c.registry.Learn(c.dpid, eth.SrcMAC, inPort); err != nil {
		return err
	}

	outPort, known, err := c.registry.Lookup(c.dpid, eth.DstMAC)
	if err != nil {
		return err
	}

	if !known {
		metrics.ObservePacketIn(metrics.PacketInFlood)
		return c.installer.Forward(packetIn.BufferId, inPort, flows.Forward(flows.PortFlood), packetIn.Data)
	}

	metrics.ObservePacketIn(metrics.PacketInUnicast)
	flow := flows.NewFlow().
		WithTable(0).
		WithPriority(flows.PriorityLearned).
		WithInPort(inPort).
		WithEthDst(eth.DstMAC).
		WithEthSrc(eth.SrcMAC).
		WithActionOutputPort(outPort).
		WithBufferID(packetIn.BufferId)

	if err := c.installer.Install(flow); err != nil {
		return err
	}

	// a buffered packet is released by the flow mod itself
	if flow.HasBuffer() {
		return nil
	}

	return c.installer.Forward(flows.NoBuffer, inPort, flow.Actions(), packetIn.Data)
}
