package tunnel

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestBridgeReadDelivers(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	b := NewBridge(server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Run(ctx, 4096)

	go func() {
		client.Write([]byte("hello"))
	}()

	select {
	case chunk := <-b.ReadCh():
		if string(chunk.Data) != "hello" {
			t.Fatalf("chunk.Data = %q, want %q", chunk.Data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridge read")
	}
}

func TestBridgeReadEOF(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	b := NewBridge(server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Run(ctx, 4096)

	client.Close()

	select {
	case chunk := <-b.ReadCh():
		if !chunk.EOF {
			t.Fatalf("expected EOF chunk, got %+v", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOF")
	}
}

func TestBridgeTryWrite(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	b := NewBridge(server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Run(ctx, 4096)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	if !b.TryWrite([]byte("world")) {
		t.Fatalf("TryWrite reported the queue full on a fresh bridge")
	}

	select {
	case got := <-done:
		if string(got) != "world" {
			t.Fatalf("got %q, want %q", got, "world")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write to arrive")
	}
}
