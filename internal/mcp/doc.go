// Package mcp bridges the session layer and an mcp-go server.
//
// A POST /mcp request becomes a session computation: the Host hands the raw
// JSON-RPC message to server.MCPServer.HandleMessage with a per-request
// ClientSession installed in the context. Notifications a tool sends through
// server.ServerFromContext(ctx).SendNotificationToClient land on the request's
// channel as unrelated events, so if the client drops the POST stream they
// are redirected to the broadcast channel. The response is enqueued last,
// related to the request id, and is dropped if nobody is there to read it.
//
//	host := mcp.NewHost(calculator.NewServer())
//	msg, err := mcp.ParseMessage(body)
//	ch, err := sess.OpenRequest(msg.RequestID(), conn)
//	err = host.Start(sess, ch.ID(), msg)
package mcp
