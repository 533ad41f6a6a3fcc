package tierset

// ContentRef addresses item content in an external content store. The
// store itself is outside this system; refs here are ID-addressed.
type ContentRef string

// ContentResolver maps an item ID to its content reference. The default
// resolver is identity; callers with a real content store plug their own.
type ContentResolver interface {
	Resolve(id string) (ContentRef, error)
}

type idResolver struct{}

func (idResolver) Resolve(id string) (ContentRef, error) { return ContentRef(id), nil }
