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

package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const namespace = "l2switch"

// packet-in results
const (
	PacketInUnicast   = "unicast"
	PacketInFlood     = "flood"
	PacketInLLDP      = "lldp"
	PacketInMalformed = "malformed"
	PacketInRejected  = "rejected"
)

// flow mod kinds
const (
	FlowModTableMiss = "table_miss"
	FlowModPolicy    = "policy"
	FlowModLearned   = "learned"
)

var (
	connectedSwitches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_switches",
		Help:      "Number of switches registered with the controller",
	})

	packetInTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_in_total",
			Help:      "Packet-in messages handled, by outcome",
		},
		[]string{"result"},
	)

	flowModsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_mods_total",
			Help:      "Flow rules installed on switches, by kind",
		},
		[]string{"kind"},
	)

	packetOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packet_out_total",
		Help:      "Packet-out messages sent to switches",
	})

	klogLinesGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "klog_lines_total",
		Help:      "Total number of klog messages.",
	}, []string{"level"})
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectedSwitches)
		prometheus.MustRegister(packetInTotal)
		prometheus.MustRegister(flowModsTotal)
		prometheus.MustRegister(packetOutTotal)
		prometheus.MustRegister(klogLinesGaugeVec)
	})
}

func SetConnectedSwitches(n int) {
	connectedSwitches.Set(float64(n))
}

func ObservePacketIn(result string) {
	packetInTotal.WithLabelValues(result).Inc()
}

func ObserveFlowMod(kind string) {
	flowModsTotal.WithLabelValues(kind).Inc()
}

func ObservePacketOut() {
	packetOutTotal.Inc()
}

func fetchKlogMetrics(context.Context) {
	klogLinesGaugeVec.WithLabelValues("INFO").Set(float64(klog.Stats.Info.Lines()))
	klogLinesGaugeVec.WithLabelValues("WARN").Set(float64(klog.Stats.Warning.Lines()))
	klogLinesGaugeVec.WithLabelValues("ERROR").Set(float64(klog.Stats.Error.Lines()))
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	InitMetrics()
	go wait.UntilWithContext(ctx, fetchKlogMetrics, 5*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	// conform to Gosec G114
	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 3 * time.Second,
		Handler:           mux,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("error shutting down metrics server: %v", err)
		}
	})
	defer stop()

	klog.Infof("serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
