// Package server accepts IPC connections on a local socket, dispatches the
// closed request set against the service, and fans change events out to
// every connected client without letting a slow client block the rest.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"clipvault/internal/protocol"
	"clipvault/internal/service"
)

// broadcastQueueDepth bounds undelivered broadcasts per client. When a
// client falls this far behind, the oldest broadcast is dropped and replaced
// with a resync hint telling the client to re-fetch via get_history.
const broadcastQueueDepth = 64

type Server struct {
	svc    *service.Service
	logger *slog.Logger

	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[string]*client

	wg sync.WaitGroup
}

type client struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex // one frame at a time on the wire

	queue      chan *protocol.Envelope
	needResync atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
}

func New(svc *service.Service, logger *slog.Logger) *Server {
	s := &Server{
		svc:     svc,
		logger:  logger,
		clients: make(map[string]*client),
	}
	svc.SetBroadcaster(s)
	return s
}

// Listen binds the unix socket, replacing a stale socket file from a
// previous run.
func (s *Server) Listen(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.clientsMu.RLock()
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.clientsMu.RUnlock()
		for _, c := range clients {
			s.disconnect(c)
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		c := &client{
			id:    uuid.NewString(),
			conn:  conn,
			queue: make(chan *protocol.Envelope, broadcastQueueDepth),
			done:  make(chan struct{}),
		}

		s.clientsMu.Lock()
		s.clients[c.id] = c
		s.clientsMu.Unlock()

		s.logger.Debug("server: client connected", "client_id", c.id)

		s.wg.Add(2)
		go s.drainBroadcasts(c)
		go s.serveConn(ctx, c)
	}
}

// Broadcast implements service.Broadcaster. It is called synchronously by
// the writer goroutine in commit order; per-client queues keep a slow client
// from blocking the write path or other clients.
func (s *Server) Broadcast(event string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("server: failed to marshal broadcast", "event", event, "error", err)
		return
	}
	env := &protocol.Envelope{
		Type:   protocol.TypeBroadcast,
		Event:  event,
		Result: body,
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.enqueue(env)
	}
}

func (c *client) enqueue(env *protocol.Envelope) {
	select {
	case c.queue <- env:
		return
	default:
	}

	// Queue full: drop the oldest undelivered broadcast and flag a resync.
	select {
	case <-c.queue:
	default:
	}
	c.needResync.Store(true)
	select {
	case c.queue <- env:
	default:
		c.needResync.Store(true)
	}
}

func (s *Server) drainBroadcasts(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.queue:
			if c.needResync.Swap(false) {
				if err := c.write(&protocol.Envelope{Type: protocol.TypeBroadcast, Event: protocol.EventResync}); err != nil {
					s.disconnect(c)
					return
				}
			}
			if err := c.write(env); err != nil {
				s.disconnect(c)
				return
			}
		}
	}
}

func (c *client) write(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, env)
}

func (s *Server) serveConn(ctx context.Context, c *client) {
	defer s.wg.Done()
	defer s.disconnect(c)

	for {
		env := new(protocol.Envelope)
		if err := protocol.ReadFrame(c.conn, env); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("server: read failed", "client_id", c.id, "error", err)
			}
			return
		}
		if env.Type != protocol.TypeRequest {
			continue
		}

		// Reads run concurrently with each other and with writes;
		// mutations serialize inside the service's writer goroutine.
		go s.handleRequest(ctx, c, env)
	}
}

func (s *Server) disconnect(c *client) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		s.clientsMu.Lock()
		delete(s.clients, c.id)
		s.clientsMu.Unlock()
		s.logger.Debug("server: client disconnected", "client_id", c.id)
	})
}

func (s *Server) handleRequest(ctx context.Context, c *client, env *protocol.Envelope) {
	result, err := s.dispatch(ctx, env)

	resp := &protocol.Envelope{
		Type: protocol.TypeResponse,
		ID:   env.ID,
	}
	if err != nil {
		s.logger.Warn("server: request failed", "action", env.Action, "client_id", c.id, "error", err)
		resp.Error = protocol.FromError(err)
	} else if result != nil {
		body, merr := json.Marshal(result)
		if merr != nil {
			s.logger.Error("server: failed to marshal result", "action", env.Action, "error", merr)
			resp.Error = &protocol.WireError{Kind: protocol.KindInternal, Message: "failed to encode result"}
		} else {
			resp.Result = body
		}
	}

	if err := c.write(resp); err != nil {
		// Client went away mid-request; the mutation, if any, has
		// already committed and its broadcast reaches the others.
		s.disconnect(c)
	}
}

// dispatch decodes the request parameters once at the boundary and matches
// the action set exhaustively.
func (s *Server) dispatch(ctx context.Context, env *protocol.Envelope) (interface{}, error) {
	switch env.Action {
	case protocol.ActionGetHistory:
		var params protocol.GetHistoryParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		items, err := s.svc.History(ctx, params)
		if err != nil {
			return nil, err
		}
		return &protocol.ItemsResult{Items: items}, nil

	case protocol.ActionSearch:
		var params protocol.SearchParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		items, err := s.svc.Search(ctx, params)
		if err != nil {
			return nil, err
		}
		return &protocol.ItemsResult{Items: items}, nil

	case protocol.ActionGetItem:
		var params protocol.GetItemParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		item, err := s.svc.GetItem(ctx, params.ID, params.AuthToken)
		if err != nil {
			return nil, err
		}
		return &protocol.ItemResult{Item: item}, nil

	case protocol.ActionClipboardEvent:
		var params protocol.ClipboardEventParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		item, isNew, err := s.svc.Ingest(ctx, params.Kind, params.Content, params.Name)
		if err != nil {
			return nil, err
		}
		return &protocol.InsertResult{ID: item.ID, IsNewRow: isNew}, nil

	case protocol.ActionDeleteItem:
		var params protocol.DeleteItemParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		deleted, err := s.svc.Delete(ctx, params.ID)
		if err != nil {
			return nil, err
		}
		return &protocol.OKResult{OK: deleted}, nil

	case protocol.ActionUpdateTags:
		var params protocol.UpdateTagsParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		if err := s.svc.UpdateTags(ctx, params.ItemID, params.TagIDs); err != nil {
			return nil, err
		}
		return &protocol.OKResult{OK: true}, nil

	case protocol.ActionToggleFavorite:
		var params protocol.ToggleFavoriteParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		if err := s.svc.ToggleFavorite(ctx, params.ID); err != nil {
			return nil, err
		}
		return &protocol.OKResult{OK: true}, nil

	case protocol.ActionSetName:
		var params protocol.SetNameParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		if err := s.svc.SetName(ctx, params.ID, params.Name, params.AuthToken); err != nil {
			return nil, err
		}
		return &protocol.OKResult{OK: true}, nil

	case protocol.ActionToggleSecret:
		var params protocol.ToggleSecretParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		if err := s.svc.ToggleSecret(ctx, params.ID, params.Secret, params.DisplayName, params.AuthToken); err != nil {
			return nil, err
		}
		return &protocol.OKResult{OK: true}, nil

	case protocol.ActionRecordCopy:
		var params protocol.RecordCopyParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		if err := s.svc.RecordCopy(ctx, params.ID, params.AuthToken); err != nil {
			return nil, err
		}
		return &protocol.OKResult{OK: true}, nil

	case protocol.ActionRequestGrant:
		var params protocol.RequestGrantParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		token, err := s.svc.RequestGrant(ctx, params.ItemID, params.Op)
		if err != nil {
			return nil, err
		}
		return &protocol.GrantResult{Token: token}, nil

	case protocol.ActionListTags:
		tags, err := s.svc.ListTags(ctx)
		if err != nil {
			return nil, err
		}
		return &protocol.TagsResult{Tags: tags}, nil

	case protocol.ActionCreateTag:
		var params protocol.CreateTagParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		tag, err := s.svc.CreateTag(ctx, params.Name, params.Color)
		if err != nil {
			return nil, err
		}
		return &protocol.TagResult{Tag: tag}, nil

	case protocol.ActionDeleteTag:
		var params protocol.DeleteTagParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		deleted, err := s.svc.DeleteTag(ctx, params.ID)
		if err != nil {
			return nil, err
		}
		return &protocol.OKResult{OK: deleted}, nil

	case protocol.ActionGetSettings:
		return &protocol.SettingsResult{Settings: s.svc.Settings()}, nil

	case protocol.ActionUpdateSettings:
		var params protocol.UpdateSettingsParams
		if err := decodeParams(env.Params, &params); err != nil {
			return nil, err
		}
		settings, err := s.svc.UpdateSettings(ctx, params.Settings)
		if err != nil {
			return nil, err
		}
		return &protocol.SettingsResult{Settings: settings}, nil

	case protocol.ActionPing:
		return &protocol.OKResult{OK: true}, nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", protocol.ErrValidation, env.Action)
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", protocol.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrValidation, err)
	}
	return nil
}
