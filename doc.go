// Package editd implements a dataset edit-session service: exclusive
// TTL-leased locks per dataset, an append-only change journal, staged
// mutations, and atomic commit/discard of a whole editing session.
//
// A client acquires a lease on a dataset, applies cell, row, and column
// mutations against a staged view of the dataset, and finally commits (the
// journal is replayed against the storage engine in one transaction) or
// discards (the dataset is untouched). Expired leases are reclaimed lazily on
// the next acquire and periodically by a background sweeper.
//
// # Running a server
//
//	cfg := editd.Config{
//	    Store:  "sqlite:///var/lib/editd/editd.db",
//	    Listen: ":9741",
//	}
//	srv, err := editd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// Store DSNs select the persistence layer: "mem://" keeps the journal and
// dataset rows in process memory (tests, dev), "sqlite://path" persists both
// through a shared SQLite database.
//
// # Embedding
//
// The server can be embedded in another program: NewServer composes the
// transport-agnostic core service, Handler exposes the HTTP mux for mounting,
// and Service grants direct access for dataset creation, which deliberately
// has no HTTP surface.
//
// # HTTP surface
//
// All dataset routes live under /v1/datasets/{id}. Locks are managed via
// /lock (acquire, release, renew), /lock-status, and /lock/force-unlock.
// Mutations go through /cells/update, /rows, /columns, and
// /columns/{name}/rename; every accepted mutation returns its journal
// sequence numbers so clients can reconcile optimistically. Sessions end with
// /changes/commit or /changes/discard, and /changes/history plus
// /changes/uncommitted expose the audit trail.
//
// Callers authenticate either with an HS256 bearer token (Config.JWTSecret),
// whose subject claim becomes the lock owner identity, or with a trusted
// proxy header (Config.IdentityHeader, default X-Editd-Identity).
//
// Prometheus metrics are served on a separate listener when
// Config.MetricsListen is set.
package editd
