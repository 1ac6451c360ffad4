/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package grpc serves the standard gRPC health service for supervised processes.
// grpc 包为受监管进程提供标准的 gRPC 健康检查服务。
//
// Each process is a health service named after it. It reports SERVING while
// the process is running and NOT_SERVING otherwise.
// 每个进程对应一个同名的健康检查服务，进程运行时为 SERVING，否则为 NOT_SERVING。
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	// DefaultGRPCPort is where the health service listens when no port is configured
	// DefaultGRPCPort 是未配置端口时健康检查服务的监听端口
	DefaultGRPCPort = 50061

	// Health requests are tiny; 4MB only guards against garbage.
	DefaultMaxRecvMsgSize = 4 << 20

	DefaultStopGrace = 5 * time.Second
)

// ErrServerAlreadyRunning is returned by Serve on a server that is serving.
// ErrServerAlreadyRunning 在服务器已在服务时由 Serve 返回。
var ErrServerAlreadyRunning = errors.New("grpc: health server already serving")

// ErrBadCABundle is returned when the client CA file holds no usable certificate.
var ErrBadCABundle = errors.New("grpc: no certificates found in CA bundle")

// ServerConfig configures the health listener.
// ServerConfig 配置健康检查监听器。
type ServerConfig struct {
	Port           int
	MaxRecvMsgSize int

	// TLS is off unless TLSEnabled; a CAFile additionally requires client certificates.
	// 仅在 TLSEnabled 时启用 TLS；设置 CAFile 时额外要求客户端证书。
	TLSEnabled bool
	CertFile   string
	KeyFile    string
	CAFile     string
}

// Connections from health probes are idle most of the time and Watch streams
// carry no traffic between transitions.
var (
	serverKeepalive = keepalive.ServerParameters{
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Minute,
		Time:                  5 * time.Minute,
		Timeout:               20 * time.Second,
	}
	clientKeepalive = keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}
)

// Server is the gRPC health server.
// Server 是 gRPC 健康检查服务器。
type Server struct {
	config     *ServerConfig
	health     *health.Server
	logger     *zap.Logger
	grpcServer *grpc.Server

	mu       sync.Mutex
	running  bool
	listener net.Listener
	services map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewServer fills in defaults; nothing listens until Start or Serve.
// NewServer 填充默认值，调用 Start 或 Serve 之前不会监听。
func NewServer(config *ServerConfig, logger *zap.Logger) *Server {
	if config == nil {
		config = &ServerConfig{}
	}
	if config.Port <= 0 {
		config.Port = DefaultGRPCPort
	}
	if config.MaxRecvMsgSize <= 0 {
		config.MaxRecvMsgSize = DefaultMaxRecvMsgSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		config:   config,
		health:   health.NewServer(),
		logger:   logger,
		services: make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Start listens on the configured port and serves in the background.
// Start 监听配置的端口并在后台提供服务。
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := s.Serve(listener); err != nil {
		_ = listener.Close()
		return err
	}
	return nil
}

// Serve serves on listener in the background.
// Serve 在后台通过 listener 提供服务。
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerAlreadyRunning
	}

	opts, err := s.buildServerOptions()
	if err != nil {
		return fmt.Errorf("failed to build server options: %w", err)
	}

	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.listener = listener
	s.running = true
	s.logger.Info("gRPC health server starting",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls_enabled", s.config.TLSEnabled),
	)

	srv := s.grpcServer
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC health server exited", zap.Error(err))
		}
	}()
	return nil
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
// Stop 将所有服务标记为 NOT_SERVING 并优雅停止服务器。
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.grpcServer
	s.mu.Unlock()

	s.logger.Info("Stopping gRPC health server")
	s.health.Shutdown()

	// Watch streams only end when the client leaves; force them after a grace period.
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DefaultStopGrace):
		srv.Stop()
		<-done
	}
	s.logger.Info("gRPC health server stopped")
}

// IsRunning reports whether Serve succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetPort returns the configured port, not the bound one when Serve got a listener.
func (s *Server) GetPort() int {
	return s.config.Port
}

func (s *Server) buildServerOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.KeepaliveParams(serverKeepalive),
		grpc.KeepaliveEnforcementPolicy(clientKeepalive),
		grpc.ChainUnaryInterceptor(s.recoveryUnaryInterceptor, s.loggingUnaryInterceptor),
		grpc.ChainStreamInterceptor(s.recoveryStreamInterceptor, s.loggingStreamInterceptor),
	}
	if !s.config.TLSEnabled {
		return opts, nil
	}
	tlsConfig, err := serverTLS(s.config)
	if err != nil {
		return nil, err
	}
	return append(opts, grpc.Creds(credentials.NewTLS(tlsConfig))), nil
}

// serverTLS builds the listener's TLS config from the PEM files in cfg.
// serverTLS 根据 cfg 中的 PEM 文件构建监听器的 TLS 配置。
func serverTLS(cfg *ServerConfig) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair %s/%s: %w", cfg.CertFile, cfg.KeyFile, err)
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{pair}}
	if cfg.CAFile == "" {
		return out, nil
	}

	bundle, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA %s: %w", cfg.CAFile, err)
	}
	out.ClientCAs = x509.NewCertPool()
	if !out.ClientCAs.AppendCertsFromPEM(bundle) {
		return nil, fmt.Errorf("%w: %s", ErrBadCABundle, cfg.CAFile)
	}
	out.ClientAuth = tls.RequireAndVerifyClientCert
	return out, nil
}

func remoteOf(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	return p.Addr.String()
}

func (s *Server) logCall(kind, method, peer string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("peer", peer),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil && status.Code(err) != codes.NotFound {
		s.logger.Warn("gRPC "+kind+" call failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Debug("gRPC "+kind+" call completed", fields...)
}

// loggingUnaryInterceptor logs Check calls.
func (s *Server) loggingUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logCall("unary", info.FullMethod, remoteOf(ctx), start, err)
	return resp, err
}

// loggingStreamInterceptor logs stream RPC calls such as Health/Watch.
func (s *Server) loggingStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logCall("stream", info.FullMethod, remoteOf(ss.Context()), start, err)
	return err
}

// recoveryUnaryInterceptor turns a handler panic into codes.Internal.
func (s *Server) recoveryUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gRPC unary handler panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
			err = status.Errorf(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}

// recoveryStreamInterceptor is the streaming counterpart.
func (s *Server) recoveryStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gRPC stream handler panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
			err = status.Errorf(codes.Internal, "internal server error")
		}
	}()
	return handler(srv, ss)
}
