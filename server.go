package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// task is one accepted connection waiting for a worker. Transparent
// connections carry the SNI-sniffed target host.
type task struct {
	conn   net.Conn
	target string // empty for regular proxy connections
}

// Server binds the listening endpoint, accepts connections and dispatches
// each one to a fixed worker pool over a bounded queue. A full queue blocks
// the accept loop; backpressure is queuing, never busy-retry and never a
// drop. The only state shared across connections is the certificate issuer
// (read-only after startup), the trace sink and the metrics.
type Server struct {
	opt  Options
	log  *zap.Logger
	sess atomic.Int64

	ln        net.Listener
	listeners []net.Listener
	queue     chan task

	ctx    context.Context
	cancel context.CancelFunc

	workerWG  sync.WaitGroup
	startOnce sync.Once

	mu     sync.Mutex
	active map[net.Conn]struct{}
}

// NewServer validates opt and prepares a server. Serve or ListenAndServe
// starts it.
func NewServer(opt Options) (*Server, error) {
	if opt.Issuer == nil {
		return nil, errors.New("proxy: Options.Issuer is required")
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Workers <= 0 {
		opt.Workers = DefaultOptions().Workers
	}
	if opt.QueueDepth <= 0 {
		opt.QueueDepth = DefaultOptions().QueueDepth
	}
	if opt.UpstreamTimeout <= 0 {
		opt.UpstreamTimeout = DefaultOptions().UpstreamTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opt:    opt,
		log:    opt.Logger,
		queue:  make(chan task, opt.QueueDepth),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[net.Conn]struct{}),
	}, nil
}

func (srv *Server) nextSession() int64 { return srv.sess.Add(1) }

// Addr returns the bound listening address, nil before Serve.
func (srv *Server) Addr() net.Addr {
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// ListenAndServe binds Options.Addr and serves until Shutdown.
func (srv *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", srv.opt.Addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

// Serve runs the accept loop on ln. It returns after Shutdown, or with the
// listener's error when accepting becomes impossible.
func (srv *Server) Serve(ln net.Listener) error {
	srv.ln = ln
	srv.addListener(ln)
	srv.startWorkers()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Socket-level errors do not stop the loop from serving
			// subsequent connections.
			srv.log.Warn("accept failed", zap.Error(err))
			continue
		}
		srv.submit(task{conn: conn})
	}
}

func (srv *Server) startWorkers() {
	srv.startOnce.Do(func() {
		srv.workerWG.Add(srv.opt.Workers)
		for i := 0; i < srv.opt.Workers; i++ {
			go srv.worker()
		}
	})
}

func (srv *Server) worker() {
	defer srv.workerWG.Done()
	for {
		select {
		case <-srv.ctx.Done():
			return
		case t := <-srv.queue:
			if t.target != "" {
				srv.handleTransparentConn(srv.ctx, t.conn, t.target)
			} else {
				srv.handleConn(srv.ctx, t.conn)
			}
		}
	}
}

func (srv *Server) addListener(ln net.Listener) {
	srv.mu.Lock()
	srv.listeners = append(srv.listeners, ln)
	srv.mu.Unlock()
}

// submit blocks while the queue is full. During shutdown new connections are
// closed instead of queued.
func (srv *Server) submit(t task) {
	select {
	case <-srv.ctx.Done():
		t.conn.Close()
	case srv.queue <- t:
	}
}

func (srv *Server) track(conn net.Conn) {
	srv.mu.Lock()
	srv.active[conn] = struct{}{}
	srv.mu.Unlock()
}

func (srv *Server) untrack(conn net.Conn) {
	srv.mu.Lock()
	delete(srv.active, conn)
	srv.mu.Unlock()
}

// Shutdown stops accepting, signals in-flight work to stop and waits up to
// Options.ShutdownGrace (or the given context, whichever is sooner) before
// force-closing the connections that remain.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	for _, ln := range srv.listeners {
		ln.Close()
	}
	srv.mu.Unlock()
	srv.cancel()

	if srv.opt.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, srv.opt.ShutdownGrace)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		srv.workerWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		srv.mu.Lock()
		for conn := range srv.active {
			conn.Close()
		}
		srv.mu.Unlock()
		<-done
	}

	// Connections queued but never picked up by a worker.
	for {
		select {
		case t := <-srv.queue:
			t.conn.Close()
		default:
			return err
		}
	}
}
