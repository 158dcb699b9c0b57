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

package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const (
	DefaultListenAddr = ":6653"
)

// ChannelError is returned when reading from or writing to a switch
// control channel fails. The switch it belongs to must be torn down.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("control channel %s failed: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Handler is invoked in its own goroutine for every accepted switch
// connection and owns the connection until it returns.
type Handler func(ctx context.Context, conn *Conn)

// Server accepts control channel connections from switches
type Server struct {
	listener net.Listener
}

func NewServer(listenAddr string) (*Server, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// acceptBackoff spaces out retries after failed accepts, e.g. on EMFILE.
// It is reset after every accepted connection.
func acceptBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 5 * time.Millisecond,
		Factor:   2,
		Cap:      time.Second,
		Steps:    math.MaxInt32,
	}
}

// Serve accepts connections until ctx is cancelled, then waits for every
// handler to return.
func (s *Server) Serve(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	backoff := acceptBackoff()

	klog.Infof("listening for switch connections on %s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return err
			}

			delay := backoff.Step()
			klog.Errorf("error accepting TCP connections, retrying in %v: %v", delay, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		backoff = acceptBackoff()
		klog.Infof("accepted switch connection from %s", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, NewConn(conn))
		}()
	}
}

// Conn is the control channel to a single switch. Reads are expected from
// one goroutine only, writes are serialized.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadMessage blocks until a complete OpenFlow message has been read and
// returns its raw bytes. Every error is a *ChannelError.
func (c *Conn) ReadMessage() ([]byte, error) {
	// peek into the first 8 bytes (the size of OF header messages)
	// the header message contains the length of the entire message
	// which we need later to move the reader forward
	header, err := c.reader.Peek(HeaderLen)
	if err != nil {
		return nil, &ChannelError{Op: "read", Err: err}
	}

	msgLen := MessageLength(header)
	if msgLen < HeaderLen {
		// message boundaries are lost, nothing after this can be trusted
		return nil, &ChannelError{
			Op:  "read",
			Err: fmt.Errorf("%w: invalid message length %d", ErrProtocolParse, msgLen),
		}
	}

	buf := make([]byte, msgLen)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, &ChannelError{Op: "read", Err: err}
	}

	return buf, nil
}

// Send writes msg to the switch. A failed write returns a *ChannelError.
func (c *Conn) Send(msg ofp13.OFMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(SerializeMessage(msg)); err != nil {
		return &ChannelError{Op: "write", Err: err}
	}

	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})

	return err
}
