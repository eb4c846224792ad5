package model

// Document is the local record of an ingested source file. The two sync
// flags encode its reconciliation state against the remote backend:
// IsUploaded means the remote copy reflects the current local state,
// LocalUpdate means the remote already holds this hash and the next push
// must be an update rather than a create.
type Document struct {
	ID           int64   `json:"id"`
	DocHash      string  `json:"doc_hash,omitempty"`
	Title        string  `json:"title"`
	DocPath      string  `json:"doc_path"`
	OutputDir    string  `json:"output_dir"`
	MarkdownPath *string `json:"markdown_path,omitempty"`
	ImagesPath   *string `json:"images_path,omitempty"`
	PageCount    *int    `json:"page_count,omitempty"`
	IsUploaded   int     `json:"is_uploaded"`
	LocalUpdate  int     `json:"local_update"`

	Chunks []Chunk `json:"chunks,omitempty"`
	Tags   []Tag   `json:"tags,omitempty"`
}

// HasEmbeddedChunks reports whether at least one chunk carries an embedding
// and is therefore eligible for the vector index.
func (d *Document) HasEmbeddedChunks() bool {
	for i := range d.Chunks {
		if len(d.Chunks[i].Embedding) > 0 {
			return true
		}
	}
	return false
}
