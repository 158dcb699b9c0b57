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

// Package policy holds the static deny rules installed on every switch
// before it starts forwarding traffic.
package policy

import (
	"fmt"
	"net"
	"os"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/k-vswitch/l2switch/flows"
)

const (
	ActionDeny = "deny"
)

// Spec is the on-disk policy format
type Spec struct {
	Rules []RuleSpec `json:"rules"`
}

type RuleSpec struct {
	Name   string    `json:"name"`
	Action string    `json:"action,omitempty"`
	Match  MatchSpec `json:"match"`
}

type MatchSpec struct {
	InPort  uint32 `json:"in_port,omitempty"`
	EthSrc  string `json:"eth_src,omitempty"`
	EthDst  string `json:"eth_dst,omitempty"`
	EthType uint16 `json:"eth_type,omitempty"`
	IPProto uint8  `json:"ip_proto,omitempty"`
	IPv4Src string `json:"ipv4_src,omitempty"`
	IPv4Dst string `json:"ipv4_dst,omitempty"`
}

// Rule drops every packet matching Match
type Rule struct {
	Name  string
	Match flows.Match
}

// Policy is an ordered list of deny rules. It is immutable once built.
type Policy struct {
	rules []Rule
}

// Installer installs a single flow on a switch
type Installer interface {
	Install(flow *flows.Flow) error
}

// Default blocks ICMP from 10.0.0.1 to 10.0.0.3
func Default() *Policy {
	return &Policy{
		rules: []Rule{
			{
				Name: "block-icmp-h1-h3",
				Match: flows.Match{
					EthType: flows.EthTypeIPv4,
					IPProto: flows.IPProtoICMP,
					IPv4Src: net.ParseIP("10.0.0.1").To4(),
					IPv4Dst: net.ParseIP("10.0.0.3").To4(),
				},
			},
		},
	}
}

// Load reads a policy file. An empty path returns the default policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		klog.Info("no policy file given, using the default policy")
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading policy file %q: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("error loading policy file %q: %w", path, err)
	}

	klog.Infof("loaded %d policy rules from %q", len(p.rules), path)
	return p, nil
}

// Parse decodes a YAML policy. Unknown fields are rejected.
func Parse(data []byte) (*Policy, error) {
	var spec Spec
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return nil, fmt.Errorf("error decoding policy: %w", err)
	}

	return New(spec)
}

// New validates spec and builds a Policy from it. Every invalid rule is
// reported, not only the first one.
func New(spec Spec) (*Policy, error) {
	var errs []error
	names := sets.New[string]()
	rules := make([]Rule, 0, len(spec.Rules))

	for i, ruleSpec := range spec.Rules {
		rule, err := newRule(ruleSpec)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%q): %w", i, ruleSpec.Name, err))
			continue
		}

		if names.Has(rule.Name) {
			errs = append(errs, fmt.Errorf("rule %d (%q): duplicate rule name", i, rule.Name))
			continue
		}

		names.Insert(rule.Name)
		rules = append(rules, rule)
	}

	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, err
	}

	return &Policy{
		rules: rules,
	}, nil
}

func newRule(spec RuleSpec) (Rule, error) {
	if spec.Name == "" {
		return Rule{}, fmt.Errorf("name is required")
	}

	if spec.Action != "" && spec.Action != ActionDeny {
		return Rule{}, fmt.Errorf("unsupported action %q, only %q is supported", spec.Action, ActionDeny)
	}

	match, err := newMatch(spec.Match)
	if err != nil {
		return Rule{}, err
	}

	return Rule{
		Name:  spec.Name,
		Match: match,
	}, nil
}

func newMatch(spec MatchSpec) (flows.Match, error) {
	match := flows.Match{
		InPort:  spec.InPort,
		EthType: spec.EthType,
		IPProto: spec.IPProto,
	}

	var err error
	if match.EthSrc, err = parseMAC("eth_src", spec.EthSrc); err != nil {
		return flows.Match{}, err
	}

	if match.EthDst, err = parseMAC("eth_dst", spec.EthDst); err != nil {
		return flows.Match{}, err
	}

	if match.IPv4Src, err = parseIPv4("ipv4_src", spec.IPv4Src); err != nil {
		return flows.Match{}, err
	}

	if match.IPv4Dst, err = parseIPv4("ipv4_dst", spec.IPv4Dst); err != nil {
		return flows.Match{}, err
	}

	if match.IsEmpty() {
		return flows.Match{}, fmt.Errorf("match is empty, the rule would drop all traffic")
	}

	if err := match.Validate(); err != nil {
		return flows.Match{}, err
	}

	return match, nil
}

func parseMAC(field, value string) (net.HardwareAddr, error) {
	if value == "" {
		return nil, nil
	}

	mac, err := net.ParseMAC(value)
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("%s: invalid MAC address %q", field, value)
	}

	return mac, nil
}

func parseIPv4(field, value string) (net.IP, error) {
	if value == "" {
		return nil, nil
	}

	ip := net.ParseIP(value).To4()
	if ip == nil {
		return nil, fmt.Errorf("%s: invalid IPv4 address %q", field, value)
	}

	return ip, nil
}

func (p *Policy) Rules() []Rule {
	rules := make([]Rule, len(p.rules))
	copy(rules, p.rules)
	return rules
}

// Flows returns one drop flow per rule, in rule order
func (p *Policy) Flows() []*flows.Flow {
	policyFlows := make([]*flows.Flow, 0, len(p.rules))
	for _, rule := range p.rules {
		flow := flows.NewFlow().
			WithTable(0).
			WithPriority(flows.PriorityPolicy).
			WithMatch(rule.Match).
			WithActionDrop()

		policyFlows = append(policyFlows, flow)
	}

	return policyFlows
}

// InstallPolicy installs every rule through installer and stops at the
// first failure.
func (p *Policy) InstallPolicy(installer Installer) error {
	for i, flow := range p.Flows() {
		if err := installer.Install(flow); err != nil {
			return fmt.Errorf("error installing policy rule %q: %w", p.rules[i].Name, err)
		}
	}

	return nil
}
