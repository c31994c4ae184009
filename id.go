package callflow

import "github.com/inimical023/callflow/id"

// ID is the identifier type for callflow entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
