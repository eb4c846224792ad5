package model

type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type DocumentTag struct {
	DocumentID int64 `json:"document_id"`
	TagID      int64 `json:"tag_id"`
}
