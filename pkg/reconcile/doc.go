// Package reconcile keeps a channel's message list consistent while it is fed
// from three directions at once: the initial page fetch, the push subscription,
// and the local user's own sends.
//
// Merge is the whole consistency contract. It is a pure function of the previous
// list and one event, deduplicates by message id, and keeps the list ordered by
// CreatedAt with ties in arrival order. Updates and deletes of unknown ids are
// ignored, which also means an update that overtakes its create is lost until
// the next resync.
//
// Session owns one channel: it subscribes, seeds, applies events on a single
// goroutine and publishes every resulting snapshot on Updates().
package reconcile
