/*
Package store is the broker's single persistence component.

It owns one bbolt file with three buckets — subscriptions, events,
queued_events — keyed by primary-key string and JSON-encoded per value.
bbolt gives the needed concurrency model without extra work: db.View
transactions run concurrently, db.Update transactions are serialized, and
a cascade-delete is just multiple bucket.Delete calls inside one Update.

Change notification is a single coarse "something changed" broadcast —
one typed channel, no per-row deltas — fanned out to every subscriber
registered via SubscribeToChanges.
*/
package store
