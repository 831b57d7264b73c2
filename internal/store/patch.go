package store

// Field is a tri-state patch value: unset leaves the stored column alone,
// set overwrites it.
type Field[T any] struct {
	value T
	set   bool
}

// Set returns a field that overwrites the column with v.
func Set[T any](v T) Field[T] {
	return Field[T]{value: v, set: true}
}

// Get returns the value and whether the field is set.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.set
}

// IsSet reports whether the field overwrites its column.
func (f Field[T]) IsSet() bool { return f.set }

// ConversationPatch lists the conversation columns an ingestion may write.
type ConversationPatch struct {
	Name          Field[string]
	PeerType      Field[string]
	Username      Field[string]
	LastMessageAt Field[int64]
	Preview       Field[string]
}

// columns returns only the set fields, keyed by column name.
func (p ConversationPatch) columns() map[string]any {
	cols := make(map[string]any, 5)
	if v, ok := p.Name.Get(); ok {
		cols["name"] = v
	}
	if v, ok := p.PeerType.Get(); ok {
		cols["peer_type"] = v
	}
	if v, ok := p.Username.Get(); ok {
		cols["username"] = v
	}
	if v, ok := p.LastMessageAt.Get(); ok {
		cols["last_message_at"] = v
	}
	if v, ok := p.Preview.Get(); ok {
		cols["last_message_preview"] = v
	}
	return cols
}

// Empty reports whether the patch writes nothing.
func (p ConversationPatch) Empty() bool {
	return len(p.columns()) == 0
}
