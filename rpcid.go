package corerpc

import "github.com/google/uuid"

// RequestID, RealmID and MutationID are the three 128-bit opaque identifier
// spaces named in spec §3. They're all backed by uuid.UUID (google/uuid),
// but kept as distinct types so a realm id can never be passed where a
// request id is expected.
type (
	RequestID  uuid.UUID
	RealmID    uuid.UUID
	MutationID uuid.UUID
)

// NilRequestID, NilRealmID and NilMutationID are the reserved sentinel
// values spec §3 calls "null ids".
var (
	NilRequestID  = RequestID(uuid.Nil)
	NilRealmID    = RealmID(uuid.Nil)
	NilMutationID = MutationID(uuid.Nil)
)

// NewRequestID assigns a fresh request id. Request ids only need to be
// unique among concurrently tracked requests on one channel (spec §3); a
// random UUIDv4 is more than sufficient and needs no coordination.
func NewRequestID() RequestID { return RequestID(uuid.New()) }

func (id RequestID) IsNil() bool  { return id == NilRequestID }
func (id RealmID) IsNil() bool    { return id == NilRealmID }
func (id MutationID) IsNil() bool { return id == NilMutationID }

func (id RequestID) String() string  { return uuid.UUID(id).String() }
func (id RealmID) String() string    { return uuid.UUID(id).String() }
func (id MutationID) String() string { return uuid.UUID(id).String() }

func (id RequestID) toUUID() uuid.UUID  { return uuid.UUID(id) }
func (id RealmID) toUUID() uuid.UUID    { return uuid.UUID(id) }
func (id MutationID) toUUID() uuid.UUID { return uuid.UUID(id) }

// UUID exposes the underlying uuid.UUID so other packages (service, keeper,
// server, stream) can cross the wire-format boundary without reaching into
// an unexported field.
func (id RequestID) UUID() uuid.UUID  { return uuid.UUID(id) }
func (id RealmID) UUID() uuid.UUID    { return uuid.UUID(id) }
func (id MutationID) UUID() uuid.UUID { return uuid.UUID(id) }

// RequestIDFromUUID, RealmIDFromUUID and MutationIDFromUUID wrap a raw
// uuid.UUID (as decoded off the wire) back into the corresponding opaque id
// type.
func RequestIDFromUUID(u uuid.UUID) RequestID   { return RequestID(u) }
func RealmIDFromUUID(u uuid.UUID) RealmID       { return RealmID(u) }
func MutationIDFromUUID(u uuid.UUID) MutationID { return MutationID(u) }
