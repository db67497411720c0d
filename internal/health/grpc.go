package health

import (
	"errors"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var errPanic = errors.New("ping panicked")

// GRPCServer serves the health service on its own listener.
type GRPCServer struct {
	Addr   string
	server *grpc.Server
	ln     net.Listener
}

func ListenGRPC(addr string, prober *Prober) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, prober.Server())
	go func() {
		_ = server.Serve(ln)
	}()
	return &GRPCServer{Addr: ln.Addr().String(), server: server, ln: ln}, nil
}

func (s *GRPCServer) Stop() {
	if s == nil || s.server == nil {
		return
	}
	s.server.GracefulStop()
}
