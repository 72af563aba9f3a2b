// Package oblivion connects AI agent processes to a Nexus orchestration
// server over an authenticated realtime channel.
//
// # Overview
//
// A Client maintains one durable session: it exchanges long-lived credentials
// for a short-lived bearer token, opens the WebSocket /agents namespace,
// completes the server handshake, and then dispatches typed events to
// registered handlers while exposing request/response-style tool calls on
// top of the fire-and-forget event channel.
//
//	client, err := oblivion.New(oblivion.Config{
//	    NexusURL:     "http://localhost:3000",
//	    ClientID:     "my-agent",
//	    ClientSecret: os.Getenv("OBLIVION_CLIENT_SECRET"),
//	    Capabilities: []string{"chat"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnTaskAssigned(func(ctx context.Context, task oblivion.TaskAssignedPayload) {
//	    _ = client.UpdateStatus(ctx, oblivion.StatusWorking, task.TaskID, "")
//	    // ... do work ...
//	    _ = client.UpdateStatus(ctx, oblivion.StatusIdle, "", "")
//	})
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//	_ = client.Wait(ctx)
//
// # Connection lifecycle
//
// The client moves through Disconnected → Authenticating → Opening →
// Connected; an unexpected transport loss while the session should run moves
// it to Reconnecting, from which the full handshake is retried after a fixed
// delay until it succeeds or Disconnect is called. An authentication failure
// on the initial Connect is fatal and surfaced; during reconnection it is
// logged and retried.
//
// # Request/Response correlation
//
// RequestTool sends a tool_request carrying a fresh UUID and suspends until
// the matching tool_result arrives or the timeout elapses. Timeouts come back
// as a result with Success=false rather than an error, and every registered
// request is resolved exactly once: by result, timeout, or disconnect.
//
// # Handler isolation
//
// Handlers for a given event kind run in registration order. A panicking
// handler is recovered and logged; it stops neither its siblings nor the
// connection.
package oblivion
