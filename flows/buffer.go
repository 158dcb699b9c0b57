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
	"bytes"
	"fmt"
)

// FlowsBuffer keeps the flows installed on one switch, one per line in
// ovs-ofctl dump format, for debug logging.
type FlowsBuffer struct {
	buffer *bytes.Buffer
	count  int
}

func NewFlowsBuffer() *FlowsBuffer {
	buffer := bytes.NewBuffer(nil)

	return &FlowsBuffer{
		buffer: buffer,
	}
}

func (f *FlowsBuffer) AddFlow(flow *Flow) {
	f.buffer.WriteString(fmt.Sprintf("%s", flow))
	f.buffer.WriteByte('\n')
	f.count++
}

func (f *FlowsBuffer) String() string {
	return f.buffer.String()
}

// Len returns the number of flows added since the last Reset
func (f *FlowsBuffer) Len() int {
	return f.count
}

func (f *FlowsBuffer) Reset() {
	f.buffer.Reset()
	f.count = 0
}
