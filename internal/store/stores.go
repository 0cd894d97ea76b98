package store

// Stores is the top-level container for the storage backends the gateway
// actually wires up. Session history is the only persistence concern in
// scope; everything else (managed-mode Postgres-backed agent/provider/
// team/tracing stores) belongs to a deployment mode this module does not
// implement.
type Stores struct {
	Sessions SessionStore
}

// NewStores wraps an already-constructed SessionStore backend. The choice
// of backend (file, sqlite, postgres) is made by the caller — see
// cmd.buildSessionStore — since the concrete backends (internal/store/pg,
// internal/store/sqlite) import this package for SessionStore and
// SessionData and would cycle if this package imported them back.
func NewStores(sessions SessionStore) *Stores {
	return &Stores{Sessions: sessions}
}
