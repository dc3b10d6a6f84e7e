// Package lora receives mesh frames from the radio interface and turns them
// into registry updates and queued sync items.
package lora

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Frame is one raw frame delivered by the radio driver, with the link
// quality the driver measured for it.
type Frame struct {
	Data []byte
	RSSI int
	SNR  float64
}

// Radio is the capability interface over the LoRa transceiver hardware.
// Receive blocks until a frame arrives or the context is done, which is why
// the ingestor isolates it on a dedicated goroutine.
type Radio interface {
	Receive(ctx context.Context) (*Frame, error)
	Transmit(ctx context.Context, data []byte) error
	Close() error
}

const (
	syncByte1 = 0xAA
	syncByte2 = 0x55

	// maxFrameLen bounds a single radio frame; anything larger is a framing
	// error on the serial link.
	maxFrameLen = 4096
)

// ErrRadioClosed is returned from Receive after Close.
var ErrRadioClosed = errors.New("radio closed")

// serialRadio speaks the modem's serial framing: a 2-byte sync preamble,
// then len:2 rssi:2 snr:2 (snr in tenths of dB), then the mesh frame.
type serialRadio struct {
	port   *os.File
	reader *bufio.Reader
}

// OpenSerial opens the radio modem at the given serial device path. An
// error here is fatal at startup; the gateway must not run without its
// radio when one is configured.
func OpenSerial(device string) (Radio, error) {
	port, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening radio device %s: %w", device, err)
	}
	return &serialRadio{
		port:   port,
		reader: bufio.NewReader(port),
	}, nil
}

func (r *serialRadio) Receive(ctx context.Context) (*Frame, error) {
	type result struct {
		frame *Frame
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		f, err := r.readFrame()
		ch <- result{f, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.frame, res.err
	}
}

func (r *serialRadio) readFrame() (*Frame, error) {
	// Scan for the sync preamble, tolerating line noise between frames.
	for {
		b, err := r.reader.ReadByte()
		if err != nil {
			return nil, r.mapErr(err)
		}
		if b != syncByte1 {
			continue
		}
		b, err = r.reader.ReadByte()
		if err != nil {
			return nil, r.mapErr(err)
		}
		if b == syncByte2 {
			break
		}
	}

	var hdr [6]byte
	if _, err := io.ReadFull(r.reader, hdr[:]); err != nil {
		return nil, r.mapErr(err)
	}

	length := binary.BigEndian.Uint16(hdr[0:2])
	if length > maxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds limit", length)
	}
	rssi := int(int16(binary.BigEndian.Uint16(hdr[2:4])))
	snrRaw := int16(binary.BigEndian.Uint16(hdr[4:6]))

	data := make([]byte, length)
	if _, err := io.ReadFull(r.reader, data); err != nil {
		return nil, r.mapErr(err)
	}

	return &Frame{
		Data: data,
		RSSI: rssi,
		SNR:  float64(snrRaw) / 10.0,
	}, nil
}

func (r *serialRadio) Transmit(ctx context.Context, data []byte) error {
	if len(data) > maxFrameLen {
		return fmt.Errorf("frame length %d exceeds limit", len(data))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = r.port.SetWriteDeadline(deadline)
		defer r.port.SetWriteDeadline(time.Time{})
	}

	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, syncByte1, syncByte2)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(data)))
	buf = append(buf, data...)

	_, err := r.port.Write(buf)
	return err
}

func (r *serialRadio) Close() error {
	return r.port.Close()
}

func (r *serialRadio) mapErr(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return ErrRadioClosed
	}
	return err
}
