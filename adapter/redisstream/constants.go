package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID          = "id"
	fieldCorrelation = "correlationId"
	fieldSequence    = "sequenceSize"
	fieldProducedAt  = "producedAt" // int64 ns
	fieldBody        = "body"       // raw []byte, no base64
	fieldText        = "text"       // "1" when the body is a string
	fieldMetaPrefix  = "meta:"

	// dead-letter fields
	fieldOrigStream = "orig_stream"
	fieldOrigID     = "orig_id"
	fieldError      = "error"
)
