// Package stream delivers live message events of a forum channel.
//
// A Subscriber opens a Subscription for one channel. Every Subscription has the
// same shape regardless of the transport behind it:
//
//	sub, err := subscriber.Subscribe(ctx, topicID)
//	if err != nil {
//		return err
//	}
//	defer sub.Close()
//
//	for {
//		select {
//		case ev, ok := <-sub.Events():
//			if !ok {
//				return sub.Err()
//			}
//			handle(ev)
//		case err := <-sub.Errors():
//			log.Printf("skipped: %v", err)
//		case <-sub.Resync():
//			refetch()
//		}
//	}
//
// Transports:
//   - WebSocketSubscriber reads the server push endpoint /ws/topics/{id}.
//   - RedisRelay republishes one upstream subscription on Redis Pub/Sub so many
//     local processes can share it.
//   - PollingSubscriber diffs periodic fetches for servers without push.
//   - Hub fans events out in process.
//
// Reconnecting wraps any of them with exponential backoff and signals Resync after
// each reconnect. Delivery is at-most-once everywhere; Resync is the cue to refetch.
package stream
