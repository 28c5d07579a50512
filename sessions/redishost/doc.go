// Package redishost implements sessions.Host on Redis so the queue of
// responses for a session outlives any single subscriber connection.
//
// Design Notes
//   - Session queue: one stream per session; XADD to publish, blocking XREAD
//     from "0" (or the resume id) to subscribe; at-least-once delivery
//   - Liveness: an "alive" key written by OpenSession and removed by
//     CleanupSession; publishes to a session without it are refused and
//     subscribers return once it disappears
//   - Trimming: approximate MAXLEN bounds each stream
//   - Expiry: both keys carry a TTL so abandoned sessions are reclaimed
//
// Example:
//
//	host, err := redishost.New(ctx, redishost.Config{RedisAddr: "localhost:6379"})
//	if err != nil { return err }
//	defer host.Close()
package redishost
