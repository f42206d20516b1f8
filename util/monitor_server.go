package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

type MonitorServer struct {
	running *sync.Mutex
	srv     *http.Server
	srvMu   sync.RWMutex // protects srv and addr
	addr    string
	mux     *http.ServeMux
	listen  func() string
}

func NewMonitorServer() *MonitorServer {
	return NewMonitorServerAt(func() string {
		return fmt.Sprintf(":%d", Config.GetInt("details_port"))
	})
}

// NewMonitorServerAt listens on whatever listen returns at each (re)start.
func NewMonitorServerAt(listen func() string) *MonitorServer {
	var s MonitorServer
	s.running = &sync.Mutex{}
	s.srv = &http.Server{}
	s.mux = http.NewServeMux()
	s.listen = listen
	return &s
}

// Start binds the listener before returning and serves in the background.
func (s *MonitorServer) Start() error {
	if !s.running.TryLock() {
		return fmt.Errorf("already running")
	}
	ln, err := net.Listen("tcp", s.listen())
	if err != nil {
		s.running.Unlock()
		return fmt.Errorf("monitor server: %w", err)
	}
	newSrv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	s.srvMu.Lock()
	s.srv = newSrv
	s.addr = ln.Addr().String()
	s.srvMu.Unlock()
	Logger.Info().Msgf("monitor server listening on %s", ln.Addr())

	go func() {
		if err := newSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			Logger.Warn().Msgf("Problem loading monitor server: %v", err)
		}
		Logger.Debug().Msg("monitor server shutdown")
		s.running.Unlock()
	}()
	return nil
}

// Addr is the bound address of the running server.
func (s *MonitorServer) Addr() string {
	s.srvMu.RLock()
	defer s.srvMu.RUnlock()
	return s.addr
}

func (s *MonitorServer) Handler() http.Handler {
	return s.mux
}

func (s *MonitorServer) AddHandler(path string, handler func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(path, handler)
}

func (s *MonitorServer) AddRawHandler(path string, handler http.Handler) {
	s.mux.Handle(path, handler)
}

// Shutdown stops the server if it is running and waits until it has.
func (s *MonitorServer) Shutdown(ctx context.Context) {
	if !s.running.TryLock() { // only shutdown if running
		Logger.Debug().Msg("monitor server running, shutting it down")

		s.srvMu.RLock()
		currentSrv := s.srv
		s.srvMu.RUnlock()

		if currentSrv != nil {
			if err := currentSrv.Shutdown(ctx); err != nil {
				Logger.Error().Msgf("Error shutting down monitor server: %v", err)
			}
		}
	} else {
		s.running.Unlock()
	}
	Logger.Debug().Msg("waiting for shutdown")
	s.running.Lock() // when server shuts down it will unlock, so wait for unlock
	s.running.Unlock()
}

func (s *MonitorServer) Restart() {
	Logger.Debug().Msg("restarting monitor server")
	s.Shutdown(context.TODO())
	Logger.Debug().Msg("http not running - good for startup")
	if err := s.Start(); err != nil {
		Logger.Error().Msgf("Error starting monitor server: %v", err)
	}
}
