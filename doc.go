// Package findnet implements the *find* servers of a content-addressable
// storage network: nodes which cooperatively answer "who holds content X?".
//
// Content and nodes share the same 256-bit `ID` space. Every `Node` keeps a
// `KnowledgeBase` of which containers (storage or find peers) hold which
// content, and a `RoutingTable` bucketing the find peers it knows by XOR
// distance to its own id.
//
// ## How it works
//
// A peer asking `GET /find/{id}` gets, computed from local state only, the
// holders we know of (`HAS`) followed by the known peers closest to the id
// (`CLOSER`). If we know no holder, the id is queued and resolved in the
// background, so a later query has a chance to succeed.
//
// A `Node.Lookup` first tries the knowledge base. Then, it asks the closest
// peers of the routing table, widening the search only through the `CLOSER`
// answers it receives, until someone answers `HAS`. When peers reported
// holders, every storage node is probed directly to confirm it, since what
// other peers claim is never verified when they claim it.
//
// Claims are re-validated continuously: at a jittered interval, a random
// content id which was not checked recently has all its holders probed, and
// the ones which do not confirm are forgotten.
//
// The broker is the only central piece: it resolves a peer id to an URL and
// lists the peers of a given `Kind`. Its answers about a peer never change
// during the peer lifetime, so they are cached.
//
// ## Design Principles
//
// The directory is a best-effort, eventually consistent, cache. There is no
// consensus: a peer which fails to answer simply abstains, a lookup never
// fails, it may only return nothing *yet*. Nothing that happens on the
// network is fatal to a `Node`.
//
// All the state lives in the `Node`, there is no package-level mutable
// state, so several nodes can run in the same process, which the tests do.
package findnet
