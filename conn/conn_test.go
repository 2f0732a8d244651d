package conn_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rediscope/rediscope/conn"
	"github.com/rediscope/rediscope/internal/redistest"
)

func startServer(t *testing.T, password string) *redistest.Server {
	t.Helper()
	srv, err := redistest.NewServer(password)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, cfg conn.Config) *conn.Conn {
	t.Helper()
	c := conn.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestDoBasic(t *testing.T) {
	srv := startServer(t, "")
	c := connect(t, conn.Config{Addr: srv.Addr()})

	ctx := context.Background()

	reply, err := c.Do(ctx, "SET", "k", "v")
	if err != nil {
		t.Fatalf("Do(SET) error = %v", err)
	}
	if reply.String() != "OK" {
		t.Errorf("SET reply = %q, want OK", reply.String())
	}

	reply, err = c.Do(ctx, "GET", "k")
	if err != nil {
		t.Fatalf("Do(GET) error = %v", err)
	}
	if string(reply.Data) != "v" {
		t.Errorf("GET reply = %q, want v", reply.Data)
	}

	reply, err = c.Do(ctx, "GET", "missing")
	if err != nil {
		t.Fatalf("Do(GET missing) error = %v", err)
	}
	if !reply.IsNull {
		t.Errorf("GET missing = %v, want null", reply)
	}
}

func TestDoCommandErrorDoesNotKillConnection(t *testing.T) {
	srv := startServer(t, "")
	c := connect(t, conn.Config{Addr: srv.Addr()})

	ctx := context.Background()

	if _, err := c.Do(ctx, "SET", "k", "v"); err != nil {
		t.Fatal(err)
	}

	reply, err := c.Do(ctx, "INCR", "k")
	if err != nil {
		t.Fatalf("Do(INCR) transport error = %v", err)
	}
	if !reply.IsError() {
		t.Fatalf("INCR on string = %v, want RESP error", reply)
	}

	// connection must still work after a command error
	reply, err = c.Do(ctx, "PING")
	if err != nil {
		t.Fatalf("Do(PING) after error = %v", err)
	}
	if reply.String() != "PONG" {
		t.Errorf("PING reply = %q", reply.String())
	}

	if c.State() != conn.StateConnected {
		t.Errorf("State = %v, want connected", c.State())
	}
}

// TestFIFOResolution issues N commands from concurrent goroutines and
// verifies every caller receives exactly its own sentinel reply.
func TestFIFOResolution(t *testing.T) {
	srv := startServer(t, "")
	c := connect(t, conn.Config{Addr: srv.Addr()})

	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sentinel := strconv.Itoa(i)
			reply, err := c.Do(ctx, "ECHO", sentinel)
			if err != nil {
				errs <- err
				return
			}
			if string(reply.Data) != sentinel {
				errs <- fmt.Errorf("ECHO %s returned %q", sentinel, reply.Data)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestPipeline(t *testing.T) {
	srv := startServer(t, "")
	c := connect(t, conn.Config{Addr: srv.Addr()})

	ctx := context.Background()

	replies, err := c.Pipeline(ctx, [][]string{
		{"SET", "k", "v"},
		{"INCR", "k"}, // fails: value is not an integer
		{"GET", "k"},
	})
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}

	if len(replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(replies))
	}

	if replies[0].Err != nil || replies[0].Value.String() != "OK" {
		t.Errorf("reply 0 = %+v, want OK", replies[0])
	}
	if replies[1].Err != nil || !replies[1].Value.IsError() {
		t.Errorf("reply 1 = %+v, want RESP error", replies[1])
	}
	if replies[2].Err != nil || string(replies[2].Value.Data) != "v" {
		t.Errorf("reply 2 = %+v, want v", replies[2])
	}
}

func TestPipelineOrdering(t *testing.T) {
	srv := startServer(t, "")
	c := connect(t, conn.Config{Addr: srv.Addr()})

	const n = 20
	cmds := make([][]string, n)
	for i := range cmds {
		cmds[i] = []string{"ECHO", strconv.Itoa(i)}
	}

	replies, err := c.Pipeline(context.Background(), cmds)
	if err != nil {
		t.Fatal(err)
	}

	for i, r := range replies {
		if string(r.Value.Data) != strconv.Itoa(i) {
			t.Errorf("reply %d = %q", i, r.Value.Data)
		}
	}
}

func TestCloseResolvesPending(t *testing.T) {
	srv := startServer(t, "")
	c := connect(t, conn.Config{Addr: srv.Addr()})

	done := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), "DEBUG", "SLEEP", "10")
		done <- err
	}()

	// let the command reach the wire
	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, conn.ErrClosed) {
			t.Errorf("pending Do error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not resolved by Close")
	}

	if c.State() != conn.StateDisconnected {
		t.Errorf("State after Close = %v, want disconnected", c.State())
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := startServer(t, "")
	c := connect(t, conn.Config{Addr: srv.Addr()})

	c.Close()
	c.Close() // must be a no-op

	if _, err := c.Do(context.Background(), "PING"); !errors.Is(err, conn.ErrNotConnected) {
		t.Errorf("Do after Close error = %v, want ErrNotConnected", err)
	}
}

func TestAuthHandshake(t *testing.T) {
	srv := startServer(t, "secret")

	t.Run("correct password", func(t *testing.T) {
		c := connect(t, conn.Config{Addr: srv.Addr(), Password: "secret"})
		reply, err := c.Do(context.Background(), "PING")
		if err != nil || reply.String() != "PONG" {
			t.Fatalf("PING = %v, %v", reply, err)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		c := conn.New(conn.Config{Addr: srv.Addr(), Password: "wrong"})
		err := c.Connect(context.Background())
		if err == nil {
			t.Fatal("Connect() with wrong password succeeded")
		}

		var connErr *conn.ConnectionError
		if !errors.As(err, &connErr) || connErr.Op != "auth" {
			t.Errorf("error = %v, want auth ConnectionError", err)
		}
		if c.State() != conn.StateErrored {
			t.Errorf("State = %v, want error", c.State())
		}
	})

	t.Run("missing password", func(t *testing.T) {
		c := conn.New(conn.Config{Addr: srv.Addr()})
		if err := c.Connect(context.Background()); err != nil {
			// no AUTH sent; first real command fails instead
			t.Fatalf("Connect() error = %v", err)
		}
		defer c.Close()

		reply, err := c.Do(context.Background(), "PING")
		if err != nil {
			t.Fatal(err)
		}
		if !reply.IsError() {
			t.Errorf("PING without auth = %v, want NOAUTH error", reply)
		}
	})
}

func TestDatabaseSelection(t *testing.T) {
	srv := startServer(t, "")

	c1 := connect(t, conn.Config{Addr: srv.Addr(), Database: 1})
	if _, err := c1.Do(context.Background(), "SET", "k", "db1"); err != nil {
		t.Fatal(err)
	}

	c0 := connect(t, conn.Config{Addr: srv.Addr()})
	reply, err := c0.Do(context.Background(), "GET", "k")
	if err != nil {
		t.Fatal(err)
	}
	if !reply.IsNull {
		t.Errorf("GET in db 0 = %v, want null (key lives in db 1)", reply)
	}
}

func TestConnectTimeout(t *testing.T) {
	// 10.255.255.1 is non-routable; the dial must fail within the
	// configured timeout instead of hanging.
	c := conn.New(conn.Config{
		Addr:           "10.255.255.1:6379",
		ConnectTimeout: 100 * time.Millisecond,
	})

	start := time.Now()
	err := c.Connect(context.Background())
	if err == nil {
		c.Close()
		t.Skip("unexpectedly connected to non-routable address")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Connect took %v, want prompt timeout failure", elapsed)
	}
	if c.State() != conn.StateErrored {
		t.Errorf("State = %v, want error", c.State())
	}
}

func TestProtocolErrorTearsDownConnection(t *testing.T) {
	// a server that answers any command with bytes that are not RESP
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	go func() {
		sock, err := listener.Accept()
		if err != nil {
			return
		}
		defer sock.Close()
		buf := make([]byte, 256)
		sock.Read(buf)
		sock.Write([]byte("!!!garbage\r\n"))
	}()

	c := connect(t, conn.Config{Addr: listener.Addr().String()})

	_, err = c.Do(context.Background(), "PING")
	if err == nil {
		t.Fatal("Do() against garbage stream succeeded")
	}

	var protoErr *conn.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("error = %v, want ProtocolError", err)
	}
	if c.State() != conn.StateErrored {
		t.Errorf("State = %v, want error", c.State())
	}
}

func TestServerDropFailsAllPending(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		sock, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- sock
	}()

	c := connect(t, conn.Config{Addr: listener.Addr().String()})
	sock := <-accepted

	const n = 5
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Do(context.Background(), "PING")
			done <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	sock.Close()

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			var connErr *conn.ConnectionError
			if !errors.As(err, &connErr) {
				t.Errorf("pending error = %v, want ConnectionError", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not resolved after server drop")
		}
	}
}

// silentServer accepts connections and reads forever without ever
// writing a byte, imitating a server that stalls mid-handshake.
func silentServer(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			sock, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer sock.Close()
				buf := make([]byte, 256)
				for {
					if _, err := sock.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()
	return listener
}

func TestHandshakeTimeout(t *testing.T) {
	listener := silentServer(t)

	c := conn.New(conn.Config{
		Addr:           listener.Addr().String(),
		Password:       "secret",
		ConnectTimeout: 200 * time.Millisecond,
	})

	start := time.Now()
	err := c.Connect(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		c.Close()
		t.Fatal("Connect succeeded against a server that never replies")
	}
	if elapsed > 2*time.Second {
		t.Errorf("Connect took %v, want failure near the 200ms connect timeout", elapsed)
	}
	var connErr *conn.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error = %v, want ConnectionError", err)
	}
	if c.State() != conn.StateErrored {
		t.Errorf("State = %v, want error", c.State())
	}
}

func TestHandshakeHonorsContextDeadline(t *testing.T) {
	listener := silentServer(t)

	// No connect timeout configured; the context deadline alone must
	// bound the handshake.
	c := conn.New(conn.Config{
		Addr:     listener.Addr().String(),
		Password: "secret",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Connect(ctx)
	if err == nil {
		c.Close()
		t.Fatal("Connect succeeded against a server that never replies")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect took %v, want failure near the 200ms context deadline", elapsed)
	}
}

func TestCloseDuringConnect(t *testing.T) {
	// a server that answers AUTH only after a delay, so Close lands
	// while Connect is still inside the handshake
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	go func() {
		sock, err := listener.Accept()
		if err != nil {
			return
		}
		defer sock.Close()
		buf := make([]byte, 256)
		sock.Read(buf)
		time.Sleep(300 * time.Millisecond)
		sock.Write([]byte("+OK\r\n"))
		sock.Read(buf)
	}()

	c := conn.New(conn.Config{
		Addr:           listener.Addr().String(),
		Password:       "secret",
		ConnectTimeout: 2 * time.Second,
	})

	result := make(chan error, 1)
	go func() { result <- c.Connect(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-result:
		if err != conn.ErrClosed {
			t.Errorf("Connect after concurrent Close = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after concurrent Close")
	}

	if c.State() == conn.StateConnected {
		t.Error("a closed Conn must not end up connected")
	}
	if _, err := c.Do(context.Background(), "PING"); err == nil {
		t.Error("Do on a closed Conn succeeded")
	}
}

func TestStateTransitions(t *testing.T) {
	srv := startServer(t, "")

	var mu sync.Mutex
	var seen []conn.State

	c := conn.New(conn.Config{Addr: srv.Addr()})
	c.OnStateChange(func(s conn.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []conn.State{
		conn.StateConnecting,
		conn.StateConnected,
		conn.StateDisconnecting,
		conn.StateDisconnected,
	}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}
