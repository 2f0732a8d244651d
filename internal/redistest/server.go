// Package redistest provides a minimal in-process Redis server for
// tests. It speaks enough RESP to exercise the client core: strings,
// counters, authentication, database selection and pub/sub. It is not
// a general-purpose Redis implementation.
package redistest

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rediscope/rediscope/protocol"
)

// Server is an in-process RESP server bound to a random loopback port.
type Server struct {
	password string

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu   sync.Mutex
	dbs  map[int]map[string]*entry
	subs map[*client]map[string]struct{}
}

type entry struct {
	kind string // "string" or "list"
	str  []byte
	list [][]byte
}

type client struct {
	conn   net.Conn
	writer *protocol.Writer

	// wmu guards the writer: published messages arrive from other
	// clients' goroutines.
	wmu sync.Mutex

	authed bool
	db     int
}

// NewServer starts a server on 127.0.0.1:0. Password "" disables auth.
func NewServer(password string) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return newServer(password, listener), nil
}

// NewTLSServer starts a TLS-wrapped server on 127.0.0.1:0 presenting
// the given certificate.
func NewTLSServer(password string, cert tls.Certificate) (*Server, error) {
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	if err != nil {
		return nil, err
	}
	return newServer(password, listener), nil
}

func newServer(password string, listener net.Listener) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		password: password,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		dbs:      make(map[int]map[string]*entry),
		subs:     make(map[*client]map[string]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the listener and waits for client goroutines to finish.
func (s *Server) Close() {
	s.cancel()
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		c := &client{
			conn:   conn,
			writer: protocol.NewWriter(conn),
			authed: s.password == "",
		}

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *client) {
	defer s.wg.Done()
	defer c.conn.Close()
	defer s.dropSubscriber(c)

	go func() {
		<-s.ctx.Done()
		c.conn.Close()
	}()

	reader := protocol.NewReader(c.conn)
	for {
		value, err := reader.ReadNext()
		if err != nil {
			return
		}

		args, ok := commandArgs(value)
		if !ok {
			c.reply(errorValue("ERR protocol error: expected array of bulk strings"))
			return
		}
		if len(args) == 0 {
			continue
		}

		if quit := s.dispatch(c, args); quit {
			return
		}
	}
}

func commandArgs(v protocol.Value) ([][]byte, bool) {
	if v.Type != protocol.TypeArray || v.IsNull {
		return nil, false
	}
	args := make([][]byte, len(v.Array))
	for i, element := range v.Array {
		if element.Type != protocol.TypeBulk || element.IsNull {
			return nil, false
		}
		args[i] = element.Data
	}
	return args, true
}

// dispatch executes one command. It returns true when the connection
// should be closed.
func (s *Server) dispatch(c *client, args [][]byte) bool {
	name := strings.ToUpper(string(args[0]))

	if name == "QUIT" {
		c.reply(statusValue("OK"))
		return true
	}

	if name == "AUTH" {
		s.handleAuth(c, args)
		return false
	}

	if !c.authed {
		c.reply(errorValue("NOAUTH Authentication required."))
		return false
	}

	switch name {
	case "PING":
		c.reply(statusValue("PONG"))
	case "ECHO":
		if len(args) != 2 {
			c.reply(wrongArity(name))
			break
		}
		c.reply(bulkValue(args[1]))
	case "SELECT":
		s.handleSelect(c, args)
	case "SET":
		s.handleSet(c, args)
	case "GET":
		s.handleGet(c, args)
	case "DEL":
		s.handleDel(c, args)
	case "INCR":
		s.handleIncr(c, args)
	case "LPUSH":
		s.handleLpush(c, args)
	case "DEBUG":
		// DEBUG SLEEP <seconds>, for stalled-reply tests
		if len(args) == 3 && strings.EqualFold(string(args[1]), "SLEEP") {
			if secs, err := strconv.ParseFloat(string(args[2]), 64); err == nil {
				select {
				case <-time.After(time.Duration(secs * float64(time.Second))):
				case <-s.ctx.Done():
				}
				c.reply(statusValue("OK"))
				break
			}
		}
		c.reply(errorValue("ERR DEBUG subcommand not supported"))
	case "SUBSCRIBE":
		s.handleSubscribe(c, args)
	case "UNSUBSCRIBE":
		s.handleUnsubscribe(c, args)
	case "PUBLISH":
		s.handlePublish(c, args)
	default:
		c.reply(errorValue(fmt.Sprintf("ERR unknown command '%s'", string(args[0]))))
	}
	return false
}

func (s *Server) handleAuth(c *client, args [][]byte) {
	if len(args) != 2 {
		c.reply(wrongArity("AUTH"))
		return
	}
	if s.password == "" {
		c.reply(errorValue("ERR Client sent AUTH, but no password is set"))
		return
	}
	if string(args[1]) != s.password {
		c.reply(errorValue("WRONGPASS invalid username-password pair"))
		return
	}
	c.authed = true
	c.reply(statusValue("OK"))
}

func (s *Server) handleSelect(c *client, args [][]byte) {
	if len(args) != 2 {
		c.reply(wrongArity("SELECT"))
		return
	}
	db, err := strconv.Atoi(string(args[1]))
	if err != nil || db < 0 || db > 15 {
		c.reply(errorValue("ERR DB index is out of range"))
		return
	}
	c.db = db
	c.reply(statusValue("OK"))
}

func (s *Server) handleSet(c *client, args [][]byte) {
	if len(args) < 3 {
		c.reply(wrongArity("SET"))
		return
	}
	s.mu.Lock()
	s.db(c.db)[string(args[1])] = &entry{kind: "string", str: append([]byte(nil), args[2]...)}
	s.mu.Unlock()
	c.reply(statusValue("OK"))
}

func (s *Server) handleGet(c *client, args [][]byte) {
	if len(args) != 2 {
		c.reply(wrongArity("GET"))
		return
	}
	s.mu.Lock()
	e := s.db(c.db)[string(args[1])]
	s.mu.Unlock()

	if e == nil {
		c.reply(protocol.Value{Type: protocol.TypeBulk, IsNull: true})
		return
	}
	if e.kind != "string" {
		c.reply(errorValue("WRONGTYPE Operation against a key holding the wrong kind of value"))
		return
	}
	c.reply(bulkValue(e.str))
}

func (s *Server) handleDel(c *client, args [][]byte) {
	var removed int64
	s.mu.Lock()
	for _, key := range args[1:] {
		if _, ok := s.db(c.db)[string(key)]; ok {
			delete(s.db(c.db), string(key))
			removed++
		}
	}
	s.mu.Unlock()
	c.reply(protocol.Value{Type: protocol.TypeInteger, Integer: removed})
}

func (s *Server) handleIncr(c *client, args [][]byte) {
	if len(args) != 2 {
		c.reply(wrongArity("INCR"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(args[1])
	e := s.db(c.db)[key]
	if e == nil {
		s.db(c.db)[key] = &entry{kind: "string", str: []byte("1")}
		c.reply(protocol.Value{Type: protocol.TypeInteger, Integer: 1})
		return
	}
	if e.kind != "string" {
		c.reply(errorValue("WRONGTYPE Operation against a key holding the wrong kind of value"))
		return
	}

	n, err := strconv.ParseInt(string(e.str), 10, 64)
	if err != nil {
		c.reply(errorValue("ERR value is not an integer or out of range"))
		return
	}
	n++
	e.str = []byte(strconv.FormatInt(n, 10))
	c.reply(protocol.Value{Type: protocol.TypeInteger, Integer: n})
}

func (s *Server) handleLpush(c *client, args [][]byte) {
	if len(args) < 3 {
		c.reply(wrongArity("LPUSH"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(args[1])
	e := s.db(c.db)[key]
	if e == nil {
		e = &entry{kind: "list"}
		s.db(c.db)[key] = e
	}
	if e.kind != "list" {
		c.reply(errorValue("WRONGTYPE Operation against a key holding the wrong kind of value"))
		return
	}
	for _, v := range args[2:] {
		e.list = append([][]byte{append([]byte(nil), v...)}, e.list...)
	}
	c.reply(protocol.Value{Type: protocol.TypeInteger, Integer: int64(len(e.list))})
}

func (s *Server) handleSubscribe(c *client, args [][]byte) {
	if len(args) < 2 {
		c.reply(wrongArity("SUBSCRIBE"))
		return
	}

	s.mu.Lock()
	set := s.subs[c]
	if set == nil {
		set = make(map[string]struct{})
		s.subs[c] = set
	}
	var acks []protocol.Value
	for _, ch := range args[1:] {
		set[string(ch)] = struct{}{}
		acks = append(acks, pushFrame("subscribe", string(ch), int64(len(set))))
	}
	s.mu.Unlock()

	for _, ack := range acks {
		c.reply(ack)
	}
}

func (s *Server) handleUnsubscribe(c *client, args [][]byte) {
	s.mu.Lock()
	set := s.subs[c]
	if set == nil {
		set = make(map[string]struct{})
	}

	channels := args[1:]
	if len(channels) == 0 {
		channels = make([][]byte, 0, len(set))
		for ch := range set {
			channels = append(channels, []byte(ch))
		}
	}

	var acks []protocol.Value
	for _, ch := range channels {
		delete(set, string(ch))
		acks = append(acks, pushFrame("unsubscribe", string(ch), int64(len(set))))
	}
	if len(channels) == 0 {
		acks = append(acks, pushFrame("unsubscribe", "", 0))
	}
	s.mu.Unlock()

	for _, ack := range acks {
		c.reply(ack)
	}
}

func (s *Server) handlePublish(c *client, args [][]byte) {
	if len(args) != 3 {
		c.reply(wrongArity("PUBLISH"))
		return
	}

	channel := string(args[1])
	payload := append([]byte(nil), args[2]...)

	s.mu.Lock()
	var receivers []*client
	for sub, set := range s.subs {
		if _, ok := set[channel]; ok {
			receivers = append(receivers, sub)
		}
	}
	s.mu.Unlock()

	frame := protocol.Value{
		Type: protocol.TypeArray,
		Array: []protocol.Value{
			bulkValue([]byte("message")),
			bulkValue([]byte(channel)),
			bulkValue(payload),
		},
	}
	for _, sub := range receivers {
		sub.reply(frame)
	}

	c.reply(protocol.Value{Type: protocol.TypeInteger, Integer: int64(len(receivers))})
}

func (s *Server) dropSubscriber(c *client) {
	s.mu.Lock()
	delete(s.subs, c)
	s.mu.Unlock()
}

// db returns the keyspace for index, creating it lazily. Caller holds
// s.mu.
func (s *Server) db(index int) map[string]*entry {
	keyspace := s.dbs[index]
	if keyspace == nil {
		keyspace = make(map[string]*entry)
		s.dbs[index] = keyspace
	}
	return keyspace
}

func (c *client) reply(v protocol.Value) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writer.WriteValue(v); err != nil {
		return
	}
	c.writer.Flush()
}

func statusValue(s string) protocol.Value {
	return protocol.Value{Type: protocol.TypeStatus, Data: []byte(s)}
}

func errorValue(s string) protocol.Value {
	return protocol.Value{Type: protocol.TypeError, Data: []byte(s)}
}

func bulkValue(b []byte) protocol.Value {
	return protocol.Value{Type: protocol.TypeBulk, Data: b}
}

func wrongArity(cmd string) protocol.Value {
	return errorValue(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

func pushFrame(kind, channel string, count int64) protocol.Value {
	return protocol.Value{
		Type: protocol.TypeArray,
		Array: []protocol.Value{
			bulkValue([]byte(kind)),
			bulkValue([]byte(channel)),
			{Type: protocol.TypeInteger, Integer: count},
		},
	}
}
