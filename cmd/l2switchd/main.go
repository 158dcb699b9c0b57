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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/k-vswitch/l2switch/config"
	"github.com/k-vswitch/l2switch/connection"
	"github.com/k-vswitch/l2switch/controllers/openflow"
	"github.com/k-vswitch/l2switch/metrics"
	"github.com/k-vswitch/l2switch/registry"
)

func main() {
	defer klog.Flush()

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		klog.Errorf("error parsing flags: %v", err)
		os.Exit(1)
	}

	pol, err := cfg.LoadPolicy()
	if err != nil {
		klog.Errorf("error loading policy: %v", err)
		os.Exit(1)
	}

	for _, rule := range pol.Rules() {
		klog.Infof("policy rule %q: deny %s", rule.Name, rule.Match)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics()
	if cfg.MetricsEnabled() {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				klog.Errorf("error serving metrics: %v", err)
			}
		}()
	}

	server, err := connection.NewServer(cfg.ListenAddr)
	if err != nil {
		klog.Errorf("error listening on %s: %v", cfg.ListenAddr, err)
		os.Exit(1)
	}

	manager := openflow.NewManager(registry.New(), pol)
	if err := server.Serve(ctx, manager.HandleConnection); err != nil {
		klog.Errorf("error serving switch connections: %v", err)
		os.Exit(1)
	}

	klog.Info("l2switchd stopped")
}
