package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"clipvault/internal/auth"
	"clipvault/internal/config"
	"clipvault/internal/database"
	"clipvault/internal/protocol"
	"clipvault/internal/search"
	"clipvault/internal/service"
)

func startTestServer(t *testing.T, maxItems int) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := database.NewRepository(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	index, err := search.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	grants, err := auth.NewGrantService(auth.TrustTransport, auth.DefaultGrantTTL)
	if err != nil {
		t.Fatalf("NewGrantService: %v", err)
	}

	cfg := config.Default()
	cfg.MaxHistoryItems = maxItems

	svc := service.New(service.Options{
		Repo:   repo,
		Index:  index,
		Grants: grants,
		Config: cfg,
		Logger: logger,
	})

	srv := New(svc, logger)
	socketPath := filepath.Join(t.TempDir(), "d.sock")
	if err := srv.Listen(socketPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)
	go srv.Serve(ctx)

	return socketPath
}

func dialClient(t *testing.T, socketPath string) *protocol.Client {
	t.Helper()
	client, err := protocol.Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func sendText(t *testing.T, client *protocol.Client, text string) protocol.InsertResult {
	t.Helper()
	var result protocol.InsertResult
	err := client.Call(context.Background(), protocol.ActionClipboardEvent, &protocol.ClipboardEventParams{
		Kind:    database.KindText,
		Content: []byte(text),
	}, &result)
	if err != nil {
		t.Fatalf("clipboard_event %q: %v", text, err)
	}
	return result
}

func waitBroadcast(t *testing.T, client *protocol.Client, event string) *protocol.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-client.Broadcasts():
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("broadcast %q never arrived", event)
		}
	}
}

func TestPing(t *testing.T) {
	socketPath := startTestServer(t, 100)
	client := dialClient(t, socketPath)

	var result protocol.OKResult
	if err := client.Call(context.Background(), protocol.ActionPing, nil, &result); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !result.OK {
		t.Fatal("ping not ok")
	}
}

func TestUnknownActionIsValidationError(t *testing.T) {
	socketPath := startTestServer(t, 100)
	client := dialClient(t, socketPath)

	err := client.Call(context.Background(), "self_destruct", nil, nil)
	var wireErr *protocol.WireError
	if !errors.As(err, &wireErr) || wireErr.Kind != protocol.KindValidation {
		t.Fatalf("unknown action: %v", err)
	}

	// The connection stays usable after a rejected request.
	var result protocol.OKResult
	if err := client.Call(context.Background(), protocol.ActionPing, nil, &result); err != nil {
		t.Fatalf("ping after error: %v", err)
	}
}

func TestClipboardEventAndHistory(t *testing.T) {
	socketPath := startTestServer(t, 100)
	client := dialClient(t, socketPath)
	ctx := context.Background()

	first := sendText(t, client, "alpha")
	if !first.IsNewRow {
		t.Fatal("first insert not new")
	}
	dup := sendText(t, client, "alpha")
	if dup.IsNewRow || dup.ID != first.ID {
		t.Fatalf("dup = %+v, want existing id %d", dup, first.ID)
	}

	var page protocol.ItemsResult
	if err := client.Call(ctx, protocol.ActionGetHistory, &protocol.GetHistoryParams{Limit: 10}, &page); err != nil {
		t.Fatalf("get_history: %v", err)
	}
	if len(page.Items) != 1 || string(page.Items[0].Content) != "alpha" {
		t.Fatalf("history = %+v", page.Items)
	}
}

func TestBroadcastFanOutToTwoClients(t *testing.T) {
	socketPath := startTestServer(t, 100)
	sender := dialClient(t, socketPath)
	watcherA := dialClient(t, socketPath)
	watcherB := dialClient(t, socketPath)

	first := sendText(t, sender, "one")
	second := sendText(t, sender, "two")

	for name, watcher := range map[string]*protocol.Client{"A": watcherA, "B": watcherB} {
		envA := waitBroadcast(t, watcher, protocol.EventNewItem)
		var evA protocol.NewItemEvent
		if err := json.Unmarshal(envA.Result, &evA); err != nil {
			t.Fatalf("client %s: %v", name, err)
		}
		envB := waitBroadcast(t, watcher, protocol.EventNewItem)
		var evB protocol.NewItemEvent
		if err := json.Unmarshal(envB.Result, &evB); err != nil {
			t.Fatalf("client %s: %v", name, err)
		}

		// Both clients observe the inserts in commit order.
		if evA.Item.ID != first.ID || evB.Item.ID != second.ID {
			t.Fatalf("client %s saw %d,%d, want %d,%d", name, evA.Item.ID, evB.Item.ID, first.ID, second.ID)
		}
	}
}

func TestRetentionBroadcastsOverIPC(t *testing.T) {
	socketPath := startTestServer(t, 3)
	sender := dialClient(t, socketPath)
	watcher := dialClient(t, socketPath)

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, sendText(t, sender, fmt.Sprintf("item-%d", i)).ID)
	}

	envA := waitBroadcast(t, watcher, protocol.EventItemDeleted)
	var evA protocol.ItemDeletedEvent
	if err := json.Unmarshal(envA.Result, &evA); err != nil {
		t.Fatal(err)
	}
	envB := waitBroadcast(t, watcher, protocol.EventItemDeleted)
	var evB protocol.ItemDeletedEvent
	if err := json.Unmarshal(envB.Result, &evB); err != nil {
		t.Fatal(err)
	}

	if evA.ID != ids[0] || evB.ID != ids[1] {
		t.Fatalf("deletions %d,%d, want oldest first %d,%d", evA.ID, evB.ID, ids[0], ids[1])
	}
}

func TestDeleteItemIdempotentOverIPC(t *testing.T) {
	socketPath := startTestServer(t, 100)
	client := dialClient(t, socketPath)
	ctx := context.Background()

	id := sendText(t, client, "bye").ID

	var result protocol.OKResult
	if err := client.Call(ctx, protocol.ActionDeleteItem, &protocol.DeleteItemParams{ID: id}, &result); err != nil {
		t.Fatalf("delete_item: %v", err)
	}
	if !result.OK {
		t.Fatal("first delete reported not found")
	}

	if err := client.Call(ctx, protocol.ActionDeleteItem, &protocol.DeleteItemParams{ID: id}, &result); err != nil {
		t.Fatalf("second delete_item errored: %v", err)
	}
	if result.OK {
		t.Fatal("second delete reported a deletion")
	}
}

func TestSecretFlowOverIPC(t *testing.T) {
	socketPath := startTestServer(t, 100)
	client := dialClient(t, socketPath)
	ctx := context.Background()

	id := sendText(t, client, "api key 12345").ID

	var ok protocol.OKResult
	err := client.Call(ctx, protocol.ActionToggleSecret, &protocol.ToggleSecretParams{
		ID: id, Secret: true, DisplayName: "api key",
	}, &ok)
	if err != nil {
		t.Fatalf("toggle_secret: %v", err)
	}

	// Listings show the placeholder, never the content.
	var page protocol.ItemsResult
	if err := client.Call(ctx, protocol.ActionGetHistory, &protocol.GetHistoryParams{Limit: 10}, &page); err != nil {
		t.Fatalf("get_history: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Content != nil || page.Items[0].Name != "api key" {
		t.Fatalf("secret listing leaked: %+v", page.Items[0])
	}

	var item protocol.ItemResult
	err = client.Call(ctx, protocol.ActionGetItem, &protocol.GetItemParams{ID: id}, &item)
	var wireErr *protocol.WireError
	if !errors.As(err, &wireErr) || wireErr.Kind != protocol.KindAuthRequired {
		t.Fatalf("get_item without grant: %v", err)
	}

	var grant protocol.GrantResult
	err = client.Call(ctx, protocol.ActionRequestGrant, &protocol.RequestGrantParams{ItemID: id, Op: auth.OpReveal}, &grant)
	if err != nil {
		t.Fatalf("request_grant: %v", err)
	}
	err = client.Call(ctx, protocol.ActionGetItem, &protocol.GetItemParams{ID: id, AuthToken: grant.Token}, &item)
	if err != nil {
		t.Fatalf("get_item with grant: %v", err)
	}
	if string(item.Item.Content) != "api key 12345" {
		t.Fatalf("content = %q", item.Item.Content)
	}
}

func TestTagsOverIPC(t *testing.T) {
	socketPath := startTestServer(t, 100)
	client := dialClient(t, socketPath)
	ctx := context.Background()

	id := sendText(t, client, "tag me").ID

	var tag protocol.TagResult
	if err := client.Call(ctx, protocol.ActionCreateTag, &protocol.CreateTagParams{Name: "work", Color: "#f00"}, &tag); err != nil {
		t.Fatalf("create_tag: %v", err)
	}

	var ok protocol.OKResult
	if err := client.Call(ctx, protocol.ActionUpdateTags, &protocol.UpdateTagsParams{ItemID: id, TagIDs: []int64{tag.Tag.ID}}, &ok); err != nil {
		t.Fatalf("update_tags: %v", err)
	}

	var items protocol.ItemsResult
	if err := client.Call(ctx, protocol.ActionSearch, &protocol.SearchParams{Query: "work", Limit: 10}, &items); err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items.Items) != 1 || items.Items[0].ID != id {
		t.Fatalf("tag search = %+v", items.Items)
	}

	var tags protocol.TagsResult
	if err := client.Call(ctx, protocol.ActionListTags, nil, &tags); err != nil {
		t.Fatalf("list_tags: %v", err)
	}
	if len(tags.Tags) != 1 || tags.Tags[0].Name != "work" {
		t.Fatalf("tags = %+v", tags.Tags)
	}
}

func TestSettingsOverIPC(t *testing.T) {
	socketPath := startTestServer(t, 100)
	client := dialClient(t, socketPath)
	watcher := dialClient(t, socketPath)
	ctx := context.Background()

	var got protocol.SettingsResult
	if err := client.Call(ctx, protocol.ActionGetSettings, nil, &got); err != nil {
		t.Fatalf("get_settings: %v", err)
	}
	if got.Settings.MaxHistoryItems != 100 {
		t.Fatalf("MaxHistoryItems = %d", got.Settings.MaxHistoryItems)
	}

	got.Settings.MaxHistoryItems = 50
	var updated protocol.SettingsResult
	if err := client.Call(ctx, protocol.ActionUpdateSettings, &protocol.UpdateSettingsParams{Settings: got.Settings}, &updated); err != nil {
		t.Fatalf("update_settings: %v", err)
	}
	if updated.Settings.MaxHistoryItems != 50 {
		t.Fatalf("updated MaxHistoryItems = %d", updated.Settings.MaxHistoryItems)
	}

	env := waitBroadcast(t, watcher, protocol.EventSettingsChanged)
	var ev protocol.SettingsChangedEvent
	if err := json.Unmarshal(env.Result, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Settings.MaxHistoryItems != 50 {
		t.Fatalf("broadcast MaxHistoryItems = %d", ev.Settings.MaxHistoryItems)
	}
}

// TestSlowClientGetsResyncHint connects a client that refuses to read while a
// burst of large broadcasts overflows its queue, then checks that delivery to
// it degraded to a resync hint instead of blocking the write path.
func TestSlowClientGetsResyncHint(t *testing.T) {
	socketPath := startTestServer(t, 10000)
	sender := dialClient(t, socketPath)

	slow, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial slow client: %v", err)
	}
	defer slow.Close()

	// Each payload is past the hash sample to make frames large enough to
	// fill both the kernel buffer and the per-client queue.
	payload := make([]byte, 96*1024)
	for i := 0; i < 100; i++ {
		copy(payload, fmt.Sprintf("burst-%d-", i))
		var result protocol.InsertResult
		err := sender.Call(context.Background(), protocol.ActionClipboardEvent, &protocol.ClipboardEventParams{
			Kind:    database.KindText,
			Content: payload,
		}, &result)
		if err != nil {
			t.Fatalf("clipboard_event %d: %v", i, err)
		}
	}

	// Now drain the slow connection and look for the resync hint.
	slow.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawResync := false
	for i := 0; i < 200 && !sawResync; i++ {
		env := new(protocol.Envelope)
		if err := protocol.ReadFrame(slow, env); err != nil {
			break
		}
		if env.Type == protocol.TypeBroadcast && env.Event == protocol.EventResync {
			sawResync = true
		}
	}
	if !sawResync {
		t.Fatal("slow client never received a resync hint")
	}
}

func TestClientDisconnectDoesNotDisturbOthers(t *testing.T) {
	socketPath := startTestServer(t, 100)
	stable := dialClient(t, socketPath)

	flaky := dialClient(t, socketPath)
	sendText(t, flaky, "from flaky")
	flaky.Close()

	// The surviving client still gets served and still gets broadcasts.
	sendText(t, stable, "from stable")
	env := waitBroadcast(t, stable, protocol.EventNewItem)
	if env == nil {
		t.Fatal("no broadcast after peer disconnect")
	}
}
