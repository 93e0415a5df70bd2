// Package grpcwebtesting provides a gRPC-Web server implementation and
// pre-built test cases that can be used to test any implementation of the
// grpcwebchan.Channel interface. The server side is intentionally small: it
// exists so channel tests can run against a real HTTP server without pulling
// in a full gRPC-Web proxy.
package grpcwebtesting
