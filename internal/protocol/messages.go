// Package protocol defines the IPC wire format: a closed set of request,
// response and broadcast messages exchanged as length-prefixed JSON frames
// over a local socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"clipvault/internal/auth"
	"clipvault/internal/config"
	"clipvault/internal/database"
)

// Actions a client can request. The set is closed; unknown actions are a
// validation error.
const (
	ActionGetHistory     = "get_history"
	ActionSearch         = "search"
	ActionGetItem        = "get_item"
	ActionClipboardEvent = "clipboard_event"
	ActionDeleteItem     = "delete_item"
	ActionUpdateTags     = "update_tags"
	ActionToggleFavorite = "toggle_favorite"
	ActionSetName        = "set_name"
	ActionToggleSecret   = "toggle_secret"
	ActionRecordCopy     = "record_copy"
	ActionRequestGrant   = "request_grant"
	ActionListTags       = "list_tags"
	ActionCreateTag      = "create_tag"
	ActionDeleteTag      = "delete_tag"
	ActionGetSettings    = "get_settings"
	ActionUpdateSettings = "update_settings"
	ActionPing           = "ping"
)

// Broadcast events pushed to every connected client.
const (
	EventNewItem         = "new_item"
	EventItemUpdated     = "item_updated"
	EventItemDeleted     = "item_deleted"
	EventSettingsChanged = "settings_changed"
	EventResync          = "resync"
)

// Envelope message types.
const (
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypeBroadcast = "broadcast"
)

// Envelope is the single frame payload. Type selects which fields are
// meaningful.
type Envelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// ItemFilters compose with listing and search requests. Dimensions combine
// with logical AND.
type ItemFilters struct {
	Kind          string  `json:"kind,omitempty"`
	TagIDs        []int64 `json:"tag_ids,omitempty"`
	TagMatchAll   bool    `json:"tag_match_all,omitempty"`
	FavoriteOnly  bool    `json:"favorite_only,omitempty"`
	IncludeSecret bool    `json:"include_secret,omitempty"`
}

// Request parameter types, one per action.

type GetHistoryParams struct {
	Offset  int         `json:"offset"`
	Limit   int         `json:"limit"`
	SortAsc bool        `json:"sort_asc,omitempty"`
	Filters ItemFilters `json:"filters,omitempty"`
}

type SearchParams struct {
	Query   string      `json:"query"`
	Limit   int         `json:"limit"`
	Filters ItemFilters `json:"filters,omitempty"`
}

type GetItemParams struct {
	ID        int64  `json:"id"`
	AuthToken string `json:"auth_token,omitempty"`
}

type ClipboardEventParams struct {
	Kind    string `json:"kind"`
	Content []byte `json:"content"`
	Name    string `json:"name,omitempty"`
}

type DeleteItemParams struct {
	ID int64 `json:"id"`
}

type UpdateTagsParams struct {
	ItemID int64   `json:"item_id"`
	TagIDs []int64 `json:"tag_ids"`
}

type ToggleFavoriteParams struct {
	ID int64 `json:"id"`
}

type SetNameParams struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AuthToken string `json:"auth_token,omitempty"`
}

type ToggleSecretParams struct {
	ID          int64  `json:"id"`
	Secret      bool   `json:"secret"`
	DisplayName string `json:"display_name,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
}

type RecordCopyParams struct {
	ID        int64  `json:"id"`
	AuthToken string `json:"auth_token,omitempty"`
}

type RequestGrantParams struct {
	ItemID int64  `json:"item_id"`
	Op     string `json:"op"`
}

type CreateTagParams struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type DeleteTagParams struct {
	ID int64 `json:"id"`
}

type UpdateSettingsParams struct {
	Settings *config.Config `json:"settings"`
}

// Result types.

type ItemsResult struct {
	Items []*database.Item `json:"items"`
}

type ItemResult struct {
	Item *database.Item `json:"item"`
}

type InsertResult struct {
	ID       int64 `json:"id"`
	IsNewRow bool  `json:"is_new_row"`
}

type OKResult struct {
	OK bool `json:"ok"`
}

type GrantResult struct {
	Token string `json:"token"`
}

type TagsResult struct {
	Tags []*database.Tag `json:"tags"`
}

type TagResult struct {
	Tag *database.Tag `json:"tag"`
}

type SettingsResult struct {
	Settings *config.Config `json:"settings"`
}

// Broadcast payloads.

type NewItemEvent struct {
	Item *database.Item `json:"item"`
}

type ItemUpdatedEvent struct {
	Item *database.Item `json:"item"`
}

type ItemDeletedEvent struct {
	ID int64 `json:"id"`
}

type SettingsChangedEvent struct {
	Settings *config.Config `json:"settings"`
}

// Error kinds carried on the wire.
const (
	KindValidation   = "validation"
	KindNotFound     = "not_found"
	KindAuthRequired = "auth_required"
	KindStorage      = "storage"
	KindPipeline     = "pipeline"
	KindInternal     = "internal"
)

// ErrValidation marks malformed or missing request fields.
var ErrValidation = errors.New("invalid request")

type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// FromError maps an internal error onto its wire kind.
func FromError(err error) *WireError {
	switch {
	case errors.Is(err, ErrValidation):
		return &WireError{Kind: KindValidation, Message: err.Error()}
	case errors.Is(err, database.ErrNotFound):
		return &WireError{Kind: KindNotFound, Message: err.Error()}
	case errors.Is(err, auth.ErrAuthRequired):
		return &WireError{Kind: KindAuthRequired, Message: err.Error()}
	default:
		return &WireError{Kind: KindStorage, Message: err.Error()}
	}
}
