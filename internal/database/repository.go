package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"clipvault/internal/util"
)

// ErrNotFound is returned when an item or tag id does not exist.
var ErrNotFound = errors.New("not found")

// MaxPageLimit caps page sizes server-side so a single response stays bounded.
const MaxPageLimit = 500

type Repository struct {
	db     *bun.DB
	logger *slog.Logger
}

func NewRepository(dbPath string, logger *slog.Logger) (*Repository, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())
	db.RegisterModel((*ItemTag)(nil))

	repo := &Repository{db: db, logger: logger}

	if err := repo.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

func (r *Repository) migrate() error {
	ctx := context.Background()

	models := []interface{}{
		(*Item)(nil),
		(*Tag)(nil),
		(*ItemTag)(nil),
	}

	for _, model := range models {
		if _, err := r.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_items_kind_hash ON items(kind, content_hash)",
		"CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_items_secret ON items(is_secret)",
		"CREATE INDEX IF NOT EXISTS idx_items_favorite ON items(is_favorite)",
		"CREATE INDEX IF NOT EXISTS idx_item_tags_tag ON item_tags(tag_id)",
	}

	for _, idx := range indexes {
		if _, err := r.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// InsertMeta carries optional metadata supplied with a clipboard event.
type InsertMeta struct {
	Name      string
	CreatedAt time.Time
}

// Insert stores a clipboard item, deduplicating on the content fingerprint.
// A duplicate of an existing item of the same kind refreshes that item's
// created_at instead of creating a second row. The whole operation runs in
// one transaction.
func (r *Repository) Insert(ctx context.Context, kind string, content []byte, meta InsertMeta) (*Item, bool, error) {
	hash := util.ContentHash(content)

	now := meta.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var item *Item
	var isNew bool

	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		existing := new(Item)
		err := tx.NewSelect().
			Model(existing).
			Where("kind = ? AND content_hash = ?", kind, hash).
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check existing item: %w", err)
		}

		if err == nil {
			// Duplicate content: refresh the existing row to move it to
			// the top of the history.
			existing.CreatedAt = now
			q := tx.NewUpdate().
				Model(existing).
				Column("created_at").
				WherePK()
			if meta.Name != "" {
				existing.Name = meta.Name
				q = q.Column("name")
			}
			if _, err := q.Exec(ctx); err != nil {
				return fmt.Errorf("failed to refresh duplicate item: %w", err)
			}
			item = existing
			isNew = false
			return nil
		}

		item = &Item{
			Kind:        kind,
			Content:     content,
			ContentHash: hash,
			Name:        meta.Name,
			CreatedAt:   now,
		}
		if _, err := tx.NewInsert().Model(item).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
		isNew = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return item, isNew, nil
}

// PageOptions controls GetPage filtering and ordering.
type PageOptions struct {
	Offset       int
	Limit        int
	SortAsc      bool
	Kind         string
	TagIDs       []int64
	TagMatchAll  bool
	FavoriteOnly bool

	// IncludeSecretContent returns secret items unredacted. Callers must
	// only set this after a grant check.
	IncludeSecretContent bool
}

// GetPage returns a page of items ordered by created_at. Secret items appear
// redacted unless IncludeSecretContent is set.
func (r *Repository) GetPage(ctx context.Context, opts PageOptions) ([]*Item, error) {
	var items []*Item

	q := r.db.NewSelect().
		Model(&items).
		Relation("Tags")

	q = applyFilters(q, opts)

	order := "item.created_at DESC, item.id DESC"
	if opts.SortAsc {
		order = "item.created_at ASC, item.id ASC"
	}

	limit := opts.Limit
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	err := q.OrderExpr(order).Limit(limit).Offset(offset).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get items page: %w", err)
	}

	return redactSecrets(items, opts.IncludeSecretContent), nil
}

func applyFilters(q *bun.SelectQuery, opts PageOptions) *bun.SelectQuery {
	if opts.Kind != "" {
		q = q.Where("item.kind = ?", opts.Kind)
	}
	if opts.FavoriteOnly {
		q = q.Where("item.is_favorite")
	}
	if len(opts.TagIDs) > 0 {
		if opts.TagMatchAll {
			q = q.Where(
				"(SELECT COUNT(DISTINCT tag_id) FROM item_tags WHERE item_id = item.id AND tag_id IN (?)) = ?",
				bun.In(opts.TagIDs), len(opts.TagIDs),
			)
		} else {
			q = q.Where(
				"EXISTS (SELECT 1 FROM item_tags WHERE item_id = item.id AND tag_id IN (?))",
				bun.In(opts.TagIDs),
			)
		}
	}
	return q
}

func redactSecrets(items []*Item, includeSecret bool) []*Item {
	if includeSecret {
		return items
	}
	out := make([]*Item, len(items))
	for i, item := range items {
		if item.IsSecret {
			out[i] = item.Redacted()
		} else {
			out[i] = item
		}
	}
	return out
}

// GetByID returns a single item with its tags. Secret items come back
// unredacted; the caller is responsible for the grant check.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Item, error) {
	item := new(Item)
	err := r.db.NewSelect().
		Model(item).
		Relation("Tags").
		Where("item.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item by id: %w", err)
	}
	return item, nil
}

// GetByIDs returns the subset of ids that still exist, preserving the order
// of the ids argument.
func (r *Repository) GetByIDs(ctx context.Context, ids []int64) ([]*Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var items []*Item
	err := r.db.NewSelect().
		Model(&items).
		Relation("Tags").
		Where("item.id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get items by ids: %w", err)
	}

	byID := make(map[int64]*Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	ordered := make([]*Item, 0, len(items))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			ordered = append(ordered, item)
		}
	}
	return ordered, nil
}

// Delete removes an item and its tag links. Deleting an id that does not
// exist is not an error; it returns false.
func (r *Repository) Delete(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*ItemTag)(nil)).
			Where("item_id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete tag links: %w", err)
		}

		res, err := tx.NewDelete().
			Model((*Item)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read delete result: %w", err)
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// UpdateTags replaces the full tag set of an item in one transaction.
func (r *Repository) UpdateTags(ctx context.Context, id int64, tagIDs []int64) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*Item)(nil)).
			Where("id = ?", id).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("failed to check item: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		if _, err := tx.NewDelete().
			Model((*ItemTag)(nil)).
			Where("item_id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear tag links: %w", err)
		}

		if len(tagIDs) == 0 {
			return nil
		}

		links := make([]*ItemTag, 0, len(tagIDs))
		for _, tagID := range tagIDs {
			links = append(links, &ItemTag{ItemID: id, TagID: tagID})
		}
		if _, err := tx.NewInsert().Model(&links).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert tag links: %w", err)
		}
		return nil
	})
}

// SetFavorite sets the favorite flag of an item.
func (r *Repository) SetFavorite(ctx context.Context, id int64, favorite bool) error {
	return r.updateOne(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("is_favorite = ?", favorite)
	})
}

// SetName sets the user-assigned label of an item.
func (r *Repository) SetName(ctx context.Context, id int64, name string) error {
	return r.updateOne(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("name = ?", name)
	})
}

// SetSecret toggles the secret flag. Marking an item secret requires a
// display name that stands in for the content in listings; unmarking clears
// it.
func (r *Repository) SetSecret(ctx context.Context, id int64, secret bool, displayName string) error {
	if secret && displayName == "" {
		return fmt.Errorf("display name required for secret items")
	}
	if !secret {
		displayName = ""
	}
	return r.updateOne(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("is_secret = ?", secret).Set("display_name = ?", displayName)
	})
}

// RecordRecopy bumps the re-copy bookkeeping of an item.
func (r *Repository) RecordRecopy(ctx context.Context, id int64) error {
	return r.updateOne(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("last_copied_at = ?", time.Now().UTC()).
			Set("copy_count = copy_count + 1")
	})
}

// SetThumbnail stores the derived preview for an image item. The thumbnail is
// write-once: a row that already has one keeps it. An item deleted while its
// thumbnail was being generated is logged and skipped, not an error.
func (r *Repository) SetThumbnail(ctx context.Context, id int64, thumbnail []byte) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*Item)(nil)).
		Set("thumbnail = ?", thumbnail).
		Where("id = ? AND kind = ? AND thumbnail IS NULL", id, KindImage).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to set thumbnail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read thumbnail result: %w", err)
	}
	if n == 0 {
		r.logger.Warn("store: thumbnail target gone or already set", "item_id", id)
		return false, nil
	}
	return true, nil
}

func (r *Repository) updateOne(ctx context.Context, id int64, set func(*bun.UpdateQuery) *bun.UpdateQuery) error {
	q := r.db.NewUpdate().
		Model((*Item)(nil)).
		Where("id = ?", id)
	res, err := set(q).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountNonSecret returns how many items count against the retention limit.
func (r *Repository) CountNonSecret(ctx context.Context) (int, error) {
	n, err := r.db.NewSelect().
		Model((*Item)(nil)).
		Where("NOT is_secret").
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

// EnforceRetention deletes the oldest non-secret items until at most limit
// remain, one at a time, and returns the evicted items oldest first. Secret
// items never count against the limit and are never evicted.
func (r *Repository) EnforceRetention(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	var evicted []*Item
	for {
		count, err := r.CountNonSecret(ctx)
		if err != nil {
			return evicted, err
		}
		if count <= limit {
			return evicted, nil
		}

		oldest := new(Item)
		err = r.db.NewSelect().
			Model(oldest).
			Where("NOT is_secret").
			OrderExpr("created_at ASC, id ASC").
			Limit(1).
			Scan(ctx)
		if err != nil {
			return evicted, fmt.Errorf("failed to find eviction candidate: %w", err)
		}

		if _, err := r.Delete(ctx, oldest.ID); err != nil {
			return evicted, err
		}
		evicted = append(evicted, oldest)
	}
}

// ListTags returns all tags ordered by name.
func (r *Repository) ListTags(ctx context.Context) ([]*Tag, error) {
	var tags []*Tag
	err := r.db.NewSelect().
		Model(&tags).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return tags, nil
}

// CreateTag adds a tag. Tag names are unique and case-preserving.
func (r *Repository) CreateTag(ctx context.Context, name, color string) (*Tag, error) {
	if name == "" {
		return nil, fmt.Errorf("tag name required")
	}
	tag := &Tag{Name: name, Color: color}
	if _, err := r.db.NewInsert().Model(tag).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tag: %w", err)
	}
	return tag, nil
}

// DeleteTag removes a tag and its item links.
func (r *Repository) DeleteTag(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*ItemTag)(nil)).
			Where("tag_id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete tag links: %w", err)
		}
		res, err := tx.NewDelete().
			Model((*Tag)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete tag: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read delete result: %w", err)
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// ItemIDsByTag returns the ids of items linked to a tag.
func (r *Repository) ItemIDsByTag(ctx context.Context, tagID int64) ([]int64, error) {
	var ids []int64
	err := r.db.NewSelect().
		Model((*ItemTag)(nil)).
		Column("item_id").
		Where("tag_id = ?", tagID).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for tag: %w", err)
	}
	return ids, nil
}

// TextEntry is the indexable projection of an item, used to rebuild the
// search index at startup.
type TextEntry struct {
	ID       int64
	Kind     string
	Content  string
	Name     string
	TagNames []string
	IsSecret bool
	Favorite bool
}

// AllTextEntries streams every item in indexable form.
func (r *Repository) AllTextEntries(ctx context.Context) ([]TextEntry, error) {
	var items []*Item
	err := r.db.NewSelect().
		Model(&items).
		Relation("Tags").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load items for indexing: %w", err)
	}

	entries := make([]TextEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, ToTextEntry(item))
	}
	return entries, nil
}

// ToTextEntry projects an item for the search index. Binary content is not
// indexed; image and file items match on name and tags only.
func ToTextEntry(item *Item) TextEntry {
	entry := TextEntry{
		ID:       item.ID,
		Kind:     item.Kind,
		Name:     item.Name,
		IsSecret: item.IsSecret,
		Favorite: item.IsFavorite,
	}
	if item.Kind == KindText && !item.IsSecret {
		entry.Content = string(item.Content)
	}
	for _, tag := range item.Tags {
		entry.TagNames = append(entry.TagNames, tag.Name)
	}
	return entry
}

func (r *Repository) Close() error {
	return r.db.Close()
}
