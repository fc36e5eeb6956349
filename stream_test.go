package zorptls

import (
	"io"
	"net"
	"testing"
)

func TestBufferedStreamUnreadServedFirst(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("world"))
	}()

	s := NewStream(server)
	s.Unread([]byte("hello "))

	buf := make([]byte, 11)
	n, err := io.ReadFull(s, buf)
	if err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if got := string(buf[:n]); got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestBufferedStreamBufferedBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := NewStream(server)
	s.Unread([]byte("abc"))

	if got := s.BufferedBytes(); got != 3 {
		t.Errorf("BufferedBytes() = %d, want 3", got)
	}
	_ = client
}

func TestStreamContextSaveRestore(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := NewStream(server)
	s.SetCond(CondPollIn, true)
	s.SetNonBlock(true)

	ctx := s.SaveContext()
	if !ctx.PollIn || !ctx.NonBlock {
		t.Fatalf("unexpected saved context: %+v", ctx)
	}

	s.SetCond(CondPollIn, false)
	s.SetNonBlock(false)
	s.RestoreContext(ctx)

	restored := s.SaveContext()
	if !restored.PollIn || !restored.NonBlock {
		t.Errorf("context not restored: %+v", restored)
	}
}
