package eventbus

// MutationType is the kind of write that produced an Event.
type MutationType string

const (
	Insert MutationType = "insert"
	Update MutationType = "update"
	Delete MutationType = "delete"
)

// Event is published synchronously from a Document Store write. Unlike a
// CDC event it carries no cursor and is never persisted — a subscriber
// that is not listening at the moment of the write simply never sees it.
type Event struct {
	Collection string
	ID         string
	Type       MutationType
	DateMillis int64
	Data       map[string]any // the document as saved; nil for Delete
}

// collectionTypeKey and collectionIDTypeKey return the two keys an Event is
// fanned out under, matching §4.G: "keyed by collection.type and
// collection.id.type".
func collectionTypeKey(collection string, t MutationType) string {
	return collection + "." + string(t)
}

func collectionIDTypeKey(collection, id string, t MutationType) string {
	return collection + "." + id + "." + string(t)
}
