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
	"k8s.io/klog/v2"

	"github.com/k-vswitch/l2switch/flows"
	"github.com/k-vswitch/l2switch/metrics"
)

// installer writes flow rules and packet-outs to a single switch. Every
// write error is a *connection.ChannelError.
type installer struct {
	dpid uint64
	conn channel

	// setup flows installed on the switch, for debugging
	flows *flows.FlowsBuffer
}

func newInstaller(conn channel) *installer {
	return &installer{
		conn:  conn,
		flows: flows.NewFlowsBuffer(),
	}
}

// Install adds flow to the switch. There is no deduplication, installing
// the same flow twice sends two FLOW_MODs.
func (i *installer) Install(flow *flows.Flow) error {
	flowMod, err := flow.FlowMod()
	if err != nil {
		return fmt.Errorf("error building flow mod for %q: %w", flow, err)
	}

	if err := i.conn.Send(flowMod); err != nil {
		return err
	}

	kind := flowModKind(flow)
	metrics.ObserveFlowMod(kind)

	// learned flows grow with the number of hosts, they are only logged
	if kind != metrics.FlowModLearned {
		i.flows.AddFlow(flow)
	}

	klog.V(4).Infof("switch %016x: installed flow %q", i.dpid, flow)
	return nil
}

// InstallTableMiss sends every packet without a better match to the
// controller, unbuffered.
func (i *installer) InstallTableMiss() error {
	flow := flows.NewFlow().
		WithTable(0).
		WithPriority(flows.PriorityTableMiss).
		WithActionOutputPort(flows.PortController)

	return i.Install(flow)
}

// Forward sends a PACKET_OUT. The frame bytes are only attached when the
// packet is not buffered on the switch.
func (i *installer) Forward(bufferID, inPort uint32, actions flows.Actions, data []byte) error {
	if bufferID != flows.NoBuffer {
		data = nil
	}

	packetOut := ofp13.NewOfpPacketOut(bufferID, inPort, actions.OfpActions(), data)
	if err := i.conn.Send(packetOut); err != nil {
		return err
	}

	metrics.ObservePacketOut()
	klog.V(5).Infof("switch %016x: packet-out in_port=%d buffer=%#x actions=%s",
		i.dpid, inPort, bufferID, actions)
	return nil
}

func flowModKind(flow *flows.Flow) string {
	switch flow.Priority() {
	case flows.PriorityTableMiss:
		return metrics.FlowModTableMiss
	case flows.PriorityPolicy:
		return metrics.FlowModPolicy
	default:
		return metrics.FlowModLearned
	}
}
