// Package ws provides WebSocket fan-out of backup run events.
//
// The hub implements backup.Observer, so it can be chained into a run's
// observer list. Every producer result, progress update, and run
// completion is broadcast to all connected clients as JSON.
//
// Message Types (Server → Client):
//   - producer_result: one producer finished with a result code
//   - progress: bytes relayed so far for the active producer
//   - run_finished: the whole run completed
//
// Clients do not send application messages; the read loop exists only to
// detect disconnects. Slow clients miss events rather than stalling the
// run.
//
// Example Usage:
//
//	hub := ws.NewHub(logger, metrics)
//	router.GET("/stream", hub.HandleConnection)
package ws
