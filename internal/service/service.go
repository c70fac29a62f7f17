// Package service coordinates the item store, search index, thumbnail
// pipeline and broadcast fan-out. Every mutation travels through a single
// writer goroutine, so no two mutations interleave; reads bypass the writer
// and hit the store directly.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"clipvault/internal/auth"
	"clipvault/internal/config"
	"clipvault/internal/database"
	"clipvault/internal/protocol"
	"clipvault/internal/search"
	"clipvault/internal/thumbnail"
)

// Broadcaster fans a committed change out to every connected client. The
// writer goroutine calls it synchronously after each commit, which is what
// keeps broadcast order equal to commit order.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

type event struct {
	name    string
	payload interface{}
}

type mutationResult struct {
	value interface{}
	err   error
}

type mutation struct {
	fn    func(ctx context.Context) (interface{}, []event, error)
	reply chan mutationResult
}

type Service struct {
	repo     *database.Repository
	index    *search.Index
	grants   *auth.GrantService
	pipeline *thumbnail.Pipeline
	logger   *slog.Logger

	cfgMu   sync.RWMutex
	cfg     *config.Config
	cfgPath string

	bcastMu     sync.RWMutex
	broadcaster Broadcaster

	mutations chan mutation
	baseCtx   context.Context
	stopped   chan struct{}
}

type Options struct {
	Repo       *database.Repository
	Index      *search.Index
	Grants     *auth.GrantService
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
}

func New(opts Options) *Service {
	s := &Service{
		repo:      opts.Repo,
		index:     opts.Index,
		grants:    opts.Grants,
		logger:    opts.Logger,
		cfg:       opts.Config,
		cfgPath:   opts.ConfigPath,
		mutations: make(chan mutation, 64),
		stopped:   make(chan struct{}),
	}
	cfg := opts.Config
	s.pipeline = thumbnail.NewPipeline(
		cfg.ThumbnailWorkers,
		cfg.ThumbnailMaxEdge,
		thumbnail.DefaultDecodeTimeout,
		s.applyThumbnail,
		opts.Logger,
	)
	return s
}

// SetBroadcaster wires the fan-out sink. Must be called before Start.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.bcastMu.Lock()
	s.broadcaster = b
	s.bcastMu.Unlock()
}

// Start launches the writer goroutine and the thumbnail workers. They run
// until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.pipeline.Start(ctx)
	go s.writerLoop(ctx)
}

// Stopped is closed once the writer goroutine has exited.
func (s *Service) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Service) writerLoop(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.mutations:
			value, events, err := m.fn(ctx)
			if err == nil {
				s.publish(events)
			}
			m.reply <- mutationResult{value: value, err: err}
		}
	}
}

func (s *Service) publish(events []event) {
	s.bcastMu.RLock()
	b := s.broadcaster
	s.bcastMu.RUnlock()
	if b == nil {
		return
	}
	for _, ev := range events {
		b.Broadcast(ev.name, ev.payload)
	}
}

// mutate enqueues a mutation and waits for the writer to run it. The request
// context only covers the wait: once the writer picks the mutation up it
// runs to completion, and an abandoned caller simply never reads the reply.
func (s *Service) mutate(ctx context.Context, fn func(ctx context.Context) (interface{}, []event, error)) (interface{}, error) {
	m := mutation{fn: fn, reply: make(chan mutationResult, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s.mutations <- m:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-m.reply:
		return res.value, res.err
	}
}

// publicItem redacts secret items for listings and broadcasts.
func publicItem(item *database.Item) *database.Item {
	if item.IsSecret {
		return item.Redacted()
	}
	return item
}

// Ingest handles one clipboard_event: dedup insert, retention enforcement,
// index update and thumbnail scheduling, all in one writer turn.
func (s *Service) Ingest(ctx context.Context, kind string, content []byte, name string) (*database.Item, bool, error) {
	if !database.ValidKind(kind) {
		return nil, false, fmt.Errorf("%w: unknown kind %q", protocol.ErrValidation, kind)
	}
	if len(content) == 0 {
		return nil, false, fmt.Errorf("%w: empty content", protocol.ErrValidation)
	}
	if maxSize := s.Settings().MaxItemSize; len(content) > maxSize {
		return nil, false, fmt.Errorf("%w: content exceeds %d bytes", protocol.ErrValidation, maxSize)
	}

	type ingestResult struct {
		item  *database.Item
		isNew bool
	}

	value, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		item, isNew, err := s.repo.Insert(ctx, kind, content, database.InsertMeta{Name: name})
		if err != nil {
			return nil, nil, err
		}

		var events []event
		if isNew {
			events = append(events, event{protocol.EventNewItem, protocol.NewItemEvent{Item: publicItem(item)}})
		} else {
			// Duplicate content refreshed the existing row; clients
			// reorder it to the top.
			events = append(events, event{protocol.EventItemUpdated, protocol.ItemUpdatedEvent{Item: publicItem(item)}})
		}

		if err := s.index.IndexEntry(database.ToTextEntry(item)); err != nil {
			s.logger.Warn("service: failed to index item", "item_id", item.ID, "error", err)
		}

		evicted, err := s.repo.EnforceRetention(ctx, s.Settings().MaxHistoryItems)
		for _, old := range evicted {
			if err := s.index.Delete(old.ID); err != nil {
				s.logger.Warn("service: failed to unindex evicted item", "item_id", old.ID, "error", err)
			}
			events = append(events, event{protocol.EventItemDeleted, protocol.ItemDeletedEvent{ID: old.ID}})
		}
		if err != nil {
			return nil, nil, err
		}

		if item.Kind == database.KindImage && item.Thumbnail == nil {
			s.pipeline.Enqueue(item.ID, item.Content)
		}

		return ingestResult{item: item, isNew: isNew}, events, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := value.(ingestResult)
	return res.item, res.isNew, nil
}

// History returns a page of items. Secret items appear as display-name
// placeholders with content withheld.
func (s *Service) History(ctx context.Context, params protocol.GetHistoryParams) ([]*database.Item, error) {
	return s.repo.GetPage(ctx, database.PageOptions{
		Offset:       params.Offset,
		Limit:        params.Limit,
		SortAsc:      params.SortAsc,
		Kind:         params.Filters.Kind,
		TagIDs:       params.Filters.TagIDs,
		TagMatchAll:  params.Filters.TagMatchAll,
		FavoriteOnly: params.Filters.FavoriteOnly,
	})
}

// Search runs the text query through the index and loads the matching items,
// best match first. Secret items are excluded unless the filter asks for
// them, and even then they come back redacted.
func (s *Service) Search(ctx context.Context, params protocol.SearchParams) ([]*database.Item, error) {
	var tagNames []string
	if len(params.Filters.TagIDs) > 0 {
		tags, err := s.repo.ListTags(ctx)
		if err != nil {
			return nil, err
		}
		byID := make(map[int64]string, len(tags))
		for _, tag := range tags {
			byID[tag.ID] = tag.Name
		}
		for _, id := range params.Filters.TagIDs {
			if name, ok := byID[id]; ok {
				tagNames = append(tagNames, name)
			}
		}
	}

	ids, err := s.index.Search(params.Query, params.Limit, search.Filters{
		Kind:          params.Filters.Kind,
		Tags:          tagNames,
		TagMatchAll:   params.Filters.TagMatchAll,
		FavoriteOnly:  params.Filters.FavoriteOnly,
		IncludeSecret: params.Filters.IncludeSecret,
	})
	if err != nil {
		return nil, err
	}

	items, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		items[i] = publicItem(item)
	}
	return items, nil
}

// GetItem returns one item with content. Secret items require a reveal grant
// scoped to the item.
func (s *Service) GetItem(ctx context.Context, id int64, authToken string) (*database.Item, error) {
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.IsSecret {
		if err := s.grants.Check(authToken, id, auth.OpReveal); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// Delete removes an item. Deleting an unknown id is not an error and
// reports false.
func (s *Service) Delete(ctx context.Context, id int64) (bool, error) {
	value, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		deleted, err := s.repo.Delete(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !deleted {
			return false, nil, nil
		}
		if err := s.index.Delete(id); err != nil {
			s.logger.Warn("service: failed to unindex item", "item_id", id, "error", err)
		}
		return true, []event{{protocol.EventItemDeleted, protocol.ItemDeletedEvent{ID: id}}}, nil
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// UpdateTags replaces an item's tag set.
func (s *Service) UpdateTags(ctx context.Context, itemID int64, tagIDs []int64) error {
	_, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		if err := s.repo.UpdateTags(ctx, itemID, tagIDs); err != nil {
			return nil, nil, err
		}
		return nil, s.reindexAndNotify(ctx, itemID), nil
	})
	return err
}

// ToggleFavorite flips the favorite flag.
func (s *Service) ToggleFavorite(ctx context.Context, id int64) error {
	_, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		item, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if err := s.repo.SetFavorite(ctx, id, !item.IsFavorite); err != nil {
			return nil, nil, err
		}
		return nil, s.reindexAndNotify(ctx, id), nil
	})
	return err
}

// SetName renames an item. Renaming a secret item requires an edit grant.
func (s *Service) SetName(ctx context.Context, id int64, name, authToken string) error {
	_, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		item, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if item.IsSecret {
			if err := s.grants.Check(authToken, id, auth.OpEdit); err != nil {
				return nil, nil, err
			}
		}
		if err := s.repo.SetName(ctx, id, name); err != nil {
			return nil, nil, err
		}
		return nil, s.reindexAndNotify(ctx, id), nil
	})
	return err
}

// ToggleSecret marks or unmarks an item as secret. Marking requires a
// display name; unmarking requires an unmark grant.
func (s *Service) ToggleSecret(ctx context.Context, id int64, secret bool, displayName, authToken string) error {
	if secret && displayName == "" {
		return fmt.Errorf("%w: display name required for secret items", protocol.ErrValidation)
	}

	_, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		item, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if item.IsSecret && !secret {
			if err := s.grants.Check(authToken, id, auth.OpUnmark); err != nil {
				return nil, nil, err
			}
		}
		if err := s.repo.SetSecret(ctx, id, secret, displayName); err != nil {
			return nil, nil, err
		}
		return nil, s.reindexAndNotify(ctx, id), nil
	})
	return err
}

// RecordCopy updates the re-copy bookkeeping when a client places an item
// back onto the system clipboard. Secret items need a recopy grant.
func (s *Service) RecordCopy(ctx context.Context, id int64, authToken string) error {
	_, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		item, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		// The secret check runs inside the writer turn so it cannot race
		// a concurrent toggle_secret.
		if item.IsSecret {
			if err := s.grants.Check(authToken, id, auth.OpRecopy); err != nil {
				return nil, nil, err
			}
		}
		if err := s.repo.RecordRecopy(ctx, id); err != nil {
			return nil, nil, err
		}
		item, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return nil, []event{{protocol.EventItemUpdated, protocol.ItemUpdatedEvent{Item: publicItem(item)}}}, nil
	})
	return err
}

// RequestGrant runs the host credential check and issues an operation-scoped
// grant for a secret item.
func (s *Service) RequestGrant(ctx context.Context, itemID int64, op string) (string, error) {
	if !auth.ValidOp(op) {
		return "", fmt.Errorf("%w: unknown grant operation %q", protocol.ErrValidation, op)
	}
	if _, err := s.repo.GetByID(ctx, itemID); err != nil {
		return "", err
	}
	return s.grants.Issue(ctx, itemID, op)
}

// ListTags returns all tags.
func (s *Service) ListTags(ctx context.Context) ([]*database.Tag, error) {
	return s.repo.ListTags(ctx)
}

// CreateTag adds a tag.
func (s *Service) CreateTag(ctx context.Context, name, color string) (*database.Tag, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: tag name required", protocol.ErrValidation)
	}
	value, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		tag, err := s.repo.CreateTag(ctx, name, color)
		if err != nil {
			return nil, nil, err
		}
		return tag, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*database.Tag), nil
}

// DeleteTag removes a tag, drops its links and reindexes affected items.
func (s *Service) DeleteTag(ctx context.Context, id int64) (bool, error) {
	value, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		affected, err := s.repo.ItemIDsByTag(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		deleted, err := s.repo.DeleteTag(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		var events []event
		for _, itemID := range affected {
			events = append(events, s.reindexAndNotify(ctx, itemID)...)
		}
		return deleted, events, nil
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// Settings returns a copy of the current settings.
func (s *Service) Settings() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Clone()
}

// UpdateSettings validates, persists and applies new settings. A lowered
// retention limit takes effect immediately.
func (s *Service) UpdateSettings(ctx context.Context, cfg *config.Config) (*config.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: settings object required", protocol.ErrValidation)
	}
	cfg = cfg.Clone()
	cfg.Validate()

	value, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		if s.cfgPath != "" {
			if err := cfg.Save(s.cfgPath); err != nil {
				return nil, nil, err
			}
		}
		s.cfgMu.Lock()
		s.cfg = cfg
		s.cfgMu.Unlock()

		events := []event{{protocol.EventSettingsChanged, protocol.SettingsChangedEvent{Settings: cfg.Clone()}}}

		evicted, err := s.repo.EnforceRetention(ctx, cfg.MaxHistoryItems)
		for _, old := range evicted {
			if err := s.index.Delete(old.ID); err != nil {
				s.logger.Warn("service: failed to unindex evicted item", "item_id", old.ID, "error", err)
			}
			events = append(events, event{protocol.EventItemDeleted, protocol.ItemDeletedEvent{ID: old.ID}})
		}
		if err != nil {
			return nil, nil, err
		}

		return cfg.Clone(), events, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*config.Config), nil
}

// applyThumbnail is the pipeline's write-back: it re-enters the writer path
// and notifies clients so they can replace their placeholder.
func (s *Service) applyThumbnail(ctx context.Context, itemID int64, thumb []byte) {
	_, err := s.mutate(ctx, func(ctx context.Context) (interface{}, []event, error) {
		applied, err := s.repo.SetThumbnail(ctx, itemID, thumb)
		if err != nil {
			return nil, nil, err
		}
		if !applied {
			return nil, nil, nil
		}
		item, err := s.repo.GetByID(ctx, itemID)
		if err != nil {
			return nil, nil, err
		}
		return nil, []event{{protocol.EventItemUpdated, protocol.ItemUpdatedEvent{Item: publicItem(item)}}}, nil
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("service: failed to apply thumbnail", "item_id", itemID, "error", err)
	}
}

// reindexAndNotify refreshes the index entry for an item and builds the
// item_updated event. Called from inside writer turns.
func (s *Service) reindexAndNotify(ctx context.Context, itemID int64) []event {
	item, err := s.repo.GetByID(ctx, itemID)
	if err != nil {
		s.logger.Warn("service: failed to reload item for reindex", "item_id", itemID, "error", err)
		return nil
	}
	if err := s.index.IndexEntry(database.ToTextEntry(item)); err != nil {
		s.logger.Warn("service: failed to reindex item", "item_id", itemID, "error", err)
	}
	return []event{{protocol.EventItemUpdated, protocol.ItemUpdatedEvent{Item: publicItem(item)}}}
}
