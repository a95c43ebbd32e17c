package logger

// Standard field names for consistent structured logging across Mimir.
// Use these constants instead of raw strings so every package's log
// lines line up under the same key in JSON mode.
const (
	FieldHandle    = "handle"
	FieldURL       = "url"
	FieldJID       = "jid"
	FieldResource  = "resource"
	FieldNode      = "node"
	FieldStanzaID  = "stanza_id"
	FieldChannel   = "channel"
	FieldEntryID   = "entry_id"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldComponent = "component"
	FieldError     = "error"
	FieldCount     = "count"
)
