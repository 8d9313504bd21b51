// Package sandbox is the client for the external compile/execute
// service. The service itself, and its .proto contract, are owned by
// another team and are out of scope for this repository; this package
// only needs to speak gRPC to it, so it marshals over a hand-registered
// JSON codec instead of generated protobuf stubs.
package sandbox

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const compileMethod = "/codearena.sandbox.Sandbox/Compile"

// Compiler is the surface game.Host needs from a sandbox connection;
// satisfied by *Client, and by test fakes.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (*CompileResponse, error)
}

// CompileRequest is sent to the sandbox for one batch of test inputs.
type CompileRequest struct {
	ClientID string   `json:"clientId"`
	Language string   `json:"language"`
	Code     string   `json:"code"`
	Stdin    []string `json:"stdin"`
}

// CompileResponse is the sandbox's reply: one stdout entry per input, in
// order, plus an overall success flag and any stderr output.
type CompileResponse struct {
	Success bool     `json:"success"`
	Stdout  []string `json:"stdout"`
	Stderr  []string `json:"stderr"`
}

// Client talks to one sandbox service instance over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a gRPC connection to the sandbox service at addr.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial sandbox at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Compile submits code and a batch of stdin cases and returns the
// per-case stdout.
func (c *Client) Compile(ctx context.Context, req CompileRequest) (*CompileResponse, error) {
	resp := &CompileResponse{}
	if err := c.conn.Invoke(ctx, compileMethod, &req, resp); err != nil {
		return nil, fmt.Errorf("sandbox compile rpc: %w", err)
	}
	return resp, nil
}
