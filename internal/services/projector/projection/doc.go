// Package projection replays the identity event log into read models.
//
// One Engine runs per tier. It resumes from a durable cursor, dispatches each
// delivered event to the single handler registered for its type, applies the
// effect and the cursor row inside one unit of work, and only then advances
// the in-memory cursor. Tiers share no mutable state; a fault stops only the
// tier that raised it.
package projection
