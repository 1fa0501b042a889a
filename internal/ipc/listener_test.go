package ipc

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"hdmigateway/internal/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListenerDispatchesFramesFromProducer(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "producer.sock")
	queue := NewQueue(4, 4, stats.New())
	l := NewListener(socketPath, queue, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	waitForSocket(t, socketPath)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial producer socket: %v", err)
	}
	defer conn.Close()

	header := `{"pts":1,"dts":1,"keyframe":true,"width":1,"height":1,"codec":"h264"}`
	payload := []byte{0xDE, 0xAD}
	writeFrame(t, conn, MessageVideo, header, payload)

	select {
	case v := <-queue.Video:
		if !v.IsKeyframe {
			t.Fatalf("expected keyframe sample")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatched video sample")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}

func TestListenerReplacesExistingProducerConnection(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "producer.sock")
	queue := NewQueue(4, 4, stats.New())
	l := NewListener(socketPath, queue, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)
	waitForSocket(t, socketPath)

	first, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial first producer: %v", err)
	}
	defer first.Close()

	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial second producer: %v", err)
	}
	defer second.Close()

	buf := make([]byte, 1)
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := first.Read(buf); err != io.EOF {
		t.Fatalf("expected first connection to be closed (EOF), got %v", err)
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never became available", path)
}

func writeFrame(t *testing.T, w io.Writer, msgType MessageType, header string, payload []byte) {
	t.Helper()
	body := append([]byte(header), 0x00)
	body = append(body, payload...)

	if _, err := w.Write([]byte{byte(msgType)}); err != nil {
		t.Fatalf("write type byte: %v", err)
	}
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(body)))
	if _, err := w.Write(lenBytes[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := w.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
}
