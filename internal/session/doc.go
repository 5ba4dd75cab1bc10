// Package session keeps a client's server-side state alive across
// unreliable streaming connections.
//
// # Architecture Overview
//
//   - Registry: process-wide table of sessions, created at server start and
//     drained by Shutdown.
//   - Session: owns one eventlog.Log, its channels, in-flight requests,
//     computations and auth context. One mutex serializes all of it.
//   - Channel: the broadcast channel "B" lives as long as the session; a
//     RequestScoped channel serves one request and is torn down once its
//     response is written or the request is abandoned.
//   - Router (Enqueue): appends every event to its channel first, then
//     delivers it, buffers it, redirects it to "B" or drops it.
//   - Grace supervisor: a timer armed when the last connection goes away and
//     cancelled by any attach or reconnect.
//
// # Delivery
//
// Each attached connection has a cursor, the last sequence written to it.
// Delivery reads the log after the cursor and writes outside the session
// lock, so a reconnect only has to place the cursor at the client's last
// seen event: replayed and live events then flow through the same loop in
// log order with no duplicate at the cutover.
//
// Lock order is attachment delivery lock, then Session.mu, then the event
// log partition lock.
//
// # Usage
//
//	reg := session.NewRegistry(session.DefaultConfig(), authn, bus)
//	defer reg.Shutdown(ctx)
//
//	sess, _ := reg.Create(ctx, auth.Credentials{Token: token})
//	_ = sess.Attach(session.BroadcastChannelID, conn)
//	receipt, err := reg.Enqueue(ctx, sess.ID(), session.BroadcastChannelID, payload, "")
//
//	// later, on a new connection
//	sess, ch, err := reg.Reconnect(ctx, session.ReconnectRequest{
//		SessionID:   id,
//		LastEventID: lastEventID,
//		Credentials: creds,
//		Conn:        conn,
//	})
//	if errors.Is(err, eventlog.ErrReplayGap) {
//		// full resync needed
//	}
package session
