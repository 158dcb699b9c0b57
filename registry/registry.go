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

// Package registry tracks connected switches and the MAC addresses learned
// on each of them. Switches never share address state.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"k8s.io/klog/v2"
)

var (
	// ErrDuplicateSwitch is returned by Register when the datapath id was
	// already registered. The stale entry has been replaced.
	ErrDuplicateSwitch = errors.New("switch already registered")

	// ErrUnknownSwitch is returned for datapath ids that are not registered
	ErrUnknownSwitch = errors.New("unknown switch")
)

type macKey [6]byte

func keyFor(mac net.HardwareAddr) (macKey, error) {
	var key macKey
	if len(mac) != len(key) {
		return key, fmt.Errorf("invalid MAC address %q", mac)
	}

	copy(key[:], mac)
	return key, nil
}

// AddressTable maps MAC addresses to the switch port they were last seen on
type AddressTable struct {
	mu    sync.Mutex
	ports map[macKey]uint32
}

func newAddressTable() *AddressTable {
	return &AddressTable{
		ports: make(map[macKey]uint32),
	}
}

func (t *AddressTable) learn(key macKey, port uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ports[key] = port
}

func (t *AddressTable) lookup(key macKey) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, ok := t.ports[key]
	return port, ok
}

func (t *AddressTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.ports)
}

// Len returns the number of learned addresses
func (t *AddressTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.ports)
}

type entry struct {
	table *AddressTable
	evict func()
}

// Registry owns the address table of every connected switch, keyed by
// datapath id.
type Registry struct {
	switches *xsync.Map[uint64, *entry]
}

func New() *Registry {
	return &Registry{
		switches: xsync.NewMap[uint64, *entry](),
	}
}

// Register creates an empty address table for dpid. evict is called if
// the switch is later replaced by another connection with the same dpid.
// When dpid was already registered the old table is cleared, the old
// evict callback runs and ErrDuplicateSwitch is returned together with the
// new table.
func (r *Registry) Register(dpid uint64, evict func()) (*AddressTable, error) {
	table := newAddressTable()
	old, loaded := r.switches.LoadAndStore(dpid, &entry{
		table: table,
		evict: evict,
	})

	if !loaded {
		klog.V(2).Infof("registered switch %016x", dpid)
		return table, nil
	}

	old.table.reset()
	if old.evict != nil {
		old.evict()
	}

	return table, fmt.Errorf("%w: dpid %016x", ErrDuplicateSwitch, dpid)
}

// Unregister drops all state for dpid, as long as it is still owned by
// table. A switch that reconnected in the meantime is left alone.
func (r *Registry) Unregister(dpid uint64, table *AddressTable) {
	var removed bool
	r.switches.Compute(dpid, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded || old.table != table {
			return old, xsync.CancelOp
		}

		removed = true
		return nil, xsync.DeleteOp
	})

	if removed {
		table.reset()
		klog.V(2).Infof("unregistered switch %016x", dpid)
	}
}

// Learn records that mac was seen on port of dpid, replacing any previous
// binding.
func (r *Registry) Learn(dpid uint64, mac net.HardwareAddr, port uint32) error {
	key, err := keyFor(mac)
	if err != nil {
		return err
	}

	sw, ok := r.switches.Load(dpid)
	if !ok {
		return fmt.Errorf("%w: dpid %016x", ErrUnknownSwitch, dpid)
	}

	sw.table.learn(key, port)
	return nil
}

// Lookup returns the port mac was last seen on. ok is false when the
// address was never learned on dpid.
func (r *Registry) Lookup(dpid uint64, mac net.HardwareAddr) (port uint32, ok bool, err error) {
	key, err := keyFor(mac)
	if err != nil {
		return 0, false, err
	}

	sw, found := r.switches.Load(dpid)
	if !found {
		return 0, false, fmt.Errorf("%w: dpid %016x", ErrUnknownSwitch, dpid)
	}

	port, ok = sw.table.lookup(key)
	return port, ok, nil
}

// Len returns the number of registered switches
func (r *Registry) Len() int {
	return r.switches.Size()
}
