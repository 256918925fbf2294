package scan

// Group is a named collection of items scanned as a unit, e.g. a content
// space. Groups of one scan are always processed sequentially.
type Group struct {
	// Key uniquely identifies the group within the content source.
	Key string

	// Name is the human-readable group name used in reporting.
	Name string
}

// Item is a unit of content with a body and zero or more sub-items,
// e.g. a page and its attachments.
type Item struct {
	ID    string
	Title string

	// Body is the item's own text content. An empty body short-circuits to
	// an empty-item event without invoking detection.
	Body string
}

// SubItem is an attachment belonging to an item. Its text is produced by an
// extraction collaborator; absence of text is a normal, non-error outcome.
type SubItem struct {
	ID        string
	Name      string
	MediaType string
}
