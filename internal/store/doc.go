// Package store is the typed record store facade.
//
// It layers policy enforcement (uniqueness tuples, version history) on
// top of a backend, routes writes through the transaction coordinator,
// and broadcasts committed writes on the event bus. All mutation paths
// funnel through Create, Update and Remove; reads see either the live
// head table or, inside a transaction, the transaction's view.
package store
