// Package gateway exposes the relay core over the network.
//
// # Overview
//
// A Gateway owns the persistence store, the presence registry, and the
// servers that front them. Hosts and guests connect over WebSocket; each
// accepted connection becomes one relay session served until the peer
// disconnects or the gateway shuts down.
//
// # Endpoints
//
//	GET {ws_path}?id=ID&role=host|guest[&pwd=P]   relay channel (upgrade)
//	GET /health                                   liveness, always "OK"
//	GET /health/ready                             200 when the store answers a ping
//	GET /api/presence[?role=host|guest]           live sessions as JSON
//
// Requests to ws_path without a valid id and role are answered with HTTP 400
// before the upgrade. /api/presence requires a bearer JWT when
// auth.jwt_secret is configured.
//
// # gRPC
//
// When server.grpc_addr is set (or tailscale is enabled) a gRPC server
// exposes the standard grpc.health.v1.Health service. The "coven.relay"
// service tracks store reachability and every service flips to NOT_SERVING
// on shutdown.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 for HTTP and :50051 for gRPC; the TCP addresses are ignored.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled or a server fails
//
// Run calls Shutdown on exit, which stops the servers, closes live sessions
// with a going-away close frame, and closes the store.
package gateway
