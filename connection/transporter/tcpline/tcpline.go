/*
The tcpline package carries the guider's wire protocol: newline-delimited
JSON objects over a plain TCP socket. In terms of the connection layer it
sits at the lowest level, turning the byte stream into complete messages
for the client to classify and handle. The guider terminates every message
with CRLF and never spreads one message across lines, so line framing is
the message boundary.
*/
package tcpline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/ivonnyssen/rusty-photon/connection/transporter"
	"github.com/ivonnyssen/rusty-photon/logger"
)

// Generous upper bound on a single message; star image payloads can get big
const maxMessageSize = 1024 * 1024

type TcpLine struct {
	tmb    tomb.Tomb
	logger *logger.Logger

	conn net.Conn

	// Serializes concurrent senders onto the socket
	sendLock sync.Mutex

	// Received messages
	inbound chan *[]byte
}

func New(logger *logger.Logger) transporter.Transporter {
	return &TcpLine{
		logger:  logger,
		inbound: make(chan *[]byte, 200),
	}
}

func (t *TcpLine) Close(reason error) {
	if t.tmb.Alive() {
		t.logger.Infof("Tcp connection closing because: %s", reason)

		t.conn.Close()

		t.tmb.Kill(reason)
		t.tmb.Wait()
	} else {
		t.logger.Infof("Close was called while in a dying state")
	}
}

func (t *TcpLine) Done() <-chan struct{} {
	return t.tmb.Dead()
}

func (t *TcpLine) Err() error {
	return t.tmb.Err()
}

func (t *TcpLine) Inbound() <-chan *[]byte {
	return t.inbound
}

// Send writes one complete message followed by the protocol terminator.
// The message is assembled into a single buffer first so a concurrent
// sender can never splice bytes into the middle of it.
func (t *TcpLine) Send(message []byte) error {
	t.sendLock.Lock()
	defer t.sendLock.Unlock()

	if t.conn == nil {
		return fmt.Errorf("cannot send message because the connection is closed")
	}

	framed := make([]byte, 0, len(message)+2)
	framed = append(framed, message...)
	framed = append(framed, '\r', '\n')

	if _, err := t.conn.Write(framed); err != nil {
		return fmt.Errorf("error writing to the guider socket: %w", err)
	}
	return nil
}

func (t *TcpLine) Dial(ctx context.Context, address string) error {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("error dialing %s: %w", address, err)
	}

	t.sendLock.Lock()
	t.conn = conn
	t.sendLock.Unlock()

	// Reinitialize our tomb in case this is post death
	t.tmb = tomb.Tomb{}

	t.tmb.Go(t.receive)

	return nil
}

func (t *TcpLine) receive() error {
	defer t.logger.Infof("Tcp connection closed")
	t.logger.Infof("Tcp connection started")

	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	for scanner.Scan() {
		if !t.tmb.Alive() {
			return nil
		}

		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}

		// The scanner reuses its buffer on the next Scan
		message := make([]byte, len(line))
		copy(message, line)

		t.inbound <- &message
	}

	// Scan returned false: either we were closed from above, the remote
	// hung up, or the read failed
	if !t.tmb.Alive() {
		return nil
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error(err)
		return err
	}

	t.logger.Info("Connection closed by remote")
	return fmt.Errorf("connection closed by remote")
}
