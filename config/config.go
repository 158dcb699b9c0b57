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

package config

import (
	"flag"
	"fmt"
	"net"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/k-vswitch/l2switch/connection"
	"github.com/k-vswitch/l2switch/policy"
)

const (
	DefaultMetricsAddr = ":9100"
)

type Configuration struct {
	ListenAddr  string
	PolicyFile  string
	MetricsAddr string
}

// ParseFlags parses args (without the program name) into a Configuration.
// klog flags such as -v are accepted too.
func ParseFlags(args []string) (*Configuration, error) {
	flags := pflag.NewFlagSet("l2switchd", pflag.ContinueOnError)

	var (
		argListenAddr  = flags.String("listen-addr", connection.DefaultListenAddr, "address the OpenFlow control channel listens on")
		argPolicyFile  = flags.String("policy-file", "", "path to a YAML file with deny rules, the built-in policy is used when empty")
		argMetricsAddr = flags.String("metrics-addr", DefaultMetricsAddr, "address to serve prometheus metrics on, empty disables metrics")
	)

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	config := &Configuration{
		ListenAddr:  *argListenAddr,
		PolicyFile:  *argPolicyFile,
		MetricsAddr: *argMetricsAddr,
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	klog.Infof("l2switchd config is %+v", config)
	return config, nil
}

func (config *Configuration) validate() error {
	if _, _, err := net.SplitHostPort(config.ListenAddr); err != nil {
		return fmt.Errorf("invalid --listen-addr %q: %w", config.ListenAddr, err)
	}

	if config.MetricsAddr == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(config.MetricsAddr); err != nil {
		return fmt.Errorf("invalid --metrics-addr %q: %w", config.MetricsAddr, err)
	}

	return nil
}

// LoadPolicy loads the policy named by --policy-file, or the default policy
func (config *Configuration) LoadPolicy() (*policy.Policy, error) {
	return policy.Load(config.PolicyFile)
}

func (config *Configuration) MetricsEnabled() bool {
	return config.MetricsAddr != ""
}
