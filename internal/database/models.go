package database

import (
	"time"

	"github.com/uptrace/bun"
)

// Item kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
)

// ValidKind reports whether kind names a known item kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

type Item struct {
	bun.BaseModel `bun:"table:items"`

	ID          int64     `bun:"id,pk,autoincrement" json:"id"`
	Kind        string    `bun:"kind,notnull" json:"kind"`
	Content     []byte    `bun:"content" json:"content,omitempty"`
	ContentHash string    `bun:"content_hash,notnull" json:"-"`
	Thumbnail   []byte    `bun:"thumbnail" json:"thumbnail,omitempty"`
	Name        string    `bun:"name" json:"name,omitempty"`
	IsSecret    bool      `bun:"is_secret,default:false" json:"is_secret"`
	DisplayName string    `bun:"display_name" json:"display_name,omitempty"`
	IsFavorite  bool      `bun:"is_favorite,default:false" json:"is_favorite"`
	CopyCount   int64     `bun:"copy_count,default:0" json:"copy_count"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`

	LastCopiedAt *time.Time `bun:"last_copied_at" json:"last_copied_at,omitempty"`

	Tags []*Tag `bun:"m2m:item_tags,join:Item=Tag" json:"tags,omitempty"`
}

type Tag struct {
	bun.BaseModel `bun:"table:tags"`

	ID    int64  `bun:"id,pk,autoincrement" json:"id"`
	Name  string `bun:"name,unique,notnull" json:"name"`
	Color string `bun:"color" json:"color,omitempty"`
}

type ItemTag struct {
	bun.BaseModel `bun:"table:item_tags"`

	ItemID int64 `bun:"item_id,pk" json:"item_id"`
	TagID  int64 `bun:"tag_id,pk" json:"tag_id"`

	Item *Item `bun:"rel:belongs-to,join:item_id=id" json:"-"`
	Tag  *Tag  `bun:"rel:belongs-to,join:tag_id=id" json:"-"`
}

// Redacted returns a listing-safe copy of a secret item: the display name
// stands in for content, and the thumbnail is withheld.
func (i *Item) Redacted() *Item {
	clone := *i
	clone.Content = nil
	clone.Thumbnail = nil
	clone.Name = i.DisplayName
	return &clone
}
