package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	read    bytes.Buffer
	written bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool

	closed bool
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.read.Len() == 0 {
		p.cond.Wait()
	}
	if p.read.Len() == 0 {
		return 0, io.EOF
	}
	return p.read.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	if p.ShortWrite && len(b) > 0 {
		b = b[:len(b)-1]
	}
	return p.written.Write(b)
}

// Close marks the port closed. Pending reads return io.EOF once buffered
// data has been consumed.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.read.Write(data)
	p.cond.Broadcast()
}

// GetWrittenData returns a copy of all data written to the port.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

// PipePort is one end of an in-memory null-modem cable.
type PipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// NewPipePair returns two ports wired back to back: bytes written to one are
// read from the other.
func NewPipePair() (*PipePort, *PipePort) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &PipePort{r: ar, w: aw}, &PipePort{r: br, w: bw}
}

func (p *PipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *PipePort) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *PipePort) Close() error {
	p.w.Close()
	return p.r.Close()
}
