package probe

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// startResponder reflects datagrams back to their source. keep decides per
// datagram whether it is echoed.
func startResponder(t *testing.T, keep func(n int) bool) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		for i := 0; ; i++ {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if keep(i) {
				conn.WriteToUDP(buf[:n], addr)
			}
		}
	}()

	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return conn
}

func TestPing_AllEchoed(t *testing.T) {
	srv := startResponder(t, func(int) bool { return true })

	result := Ping(context.Background(), Options{
		Address: srv.LocalAddr().String(),
		Count:   5,
		Rate:    1000,
		Burst:   5,
		Size:    32,
		Timeout: 2 * time.Second,
	})

	if result.Error != nil {
		t.Fatalf("Ping() error = %v", result.Error)
	}
	if result.Sent != 5 || result.Received != 5 {
		t.Errorf("sent/received = %d/%d, want 5/5", result.Sent, result.Received)
	}
	if result.BytesSent != 5*32 || result.BytesReceived != 5*32 {
		t.Errorf("bytes = %d/%d, want 160/160", result.BytesSent, result.BytesReceived)
	}
	if result.Loss() != 0 {
		t.Errorf("Loss() = %v, want 0", result.Loss())
	}
	if result.MinRTT <= 0 || result.MinRTT > result.AvgRTT || result.AvgRTT > result.MaxRTT {
		t.Errorf("rtt min/avg/max = %v/%v/%v", result.MinRTT, result.AvgRTT, result.MaxRTT)
	}
}

func TestPing_PartialLoss(t *testing.T) {
	srv := startResponder(t, func(i int) bool { return i%2 == 0 })

	result := Ping(context.Background(), Options{
		Address: srv.LocalAddr().String(),
		Count:   4,
		Rate:    1000,
		Burst:   4,
		Timeout: 200 * time.Millisecond,
	})

	if result.Error != nil {
		t.Fatalf("Ping() error = %v", result.Error)
	}
	if result.Sent != 4 || result.Received != 2 {
		t.Errorf("sent/received = %d/%d, want 4/2", result.Sent, result.Received)
	}
	if result.Loss() != 0.5 {
		t.Errorf("Loss() = %v, want 0.5", result.Loss())
	}
}

func TestPing_SmallSizeCarriesSequence(t *testing.T) {
	srv := startResponder(t, func(int) bool { return true })

	result := Ping(context.Background(), Options{
		Address: srv.LocalAddr().String(),
		Count:   1,
		Size:    1,
		Timeout: 2 * time.Second,
	})

	if result.Received != 1 {
		t.Fatalf("Received = %d, want 1", result.Received)
	}
	if result.BytesSent != seqLen {
		t.Errorf("BytesSent = %d, want %d", result.BytesSent, seqLen)
	}
}

func TestPing_Cancelled(t *testing.T) {
	srv := startResponder(t, func(int) bool { return false })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Ping(ctx, Options{
		Address: srv.LocalAddr().String(),
		Count:   3,
		Timeout: time.Minute,
	})

	if result.Error == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	if result.ErrorDetail != "Interrupted" {
		t.Errorf("ErrorDetail = %q, want %q", result.ErrorDetail, "Interrupted")
	}
}

func TestPing_BadAddress(t *testing.T) {
	result := Ping(context.Background(), Options{Address: "127.0.0.1"})

	if result.Error == nil {
		t.Fatal("expected an error for an address without port")
	}
	if result.Sent != 0 {
		t.Errorf("Sent = %d, want 0", result.Sent)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.Canceled, "Interrupted"},
		{context.DeadlineExceeded, "Deadline exceeded"},
		{&net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}, "Could not resolve hostname"},
	}

	for _, tt := range tests {
		got := classifyError(tt.err)
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("classifyError(%v) = %q, want prefix %q", tt.err, got, tt.want)
		}
	}
}
