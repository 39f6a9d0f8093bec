package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/db"
	"github.com/suPer8Hu/acontext-api/internal/logging"
	"github.com/suPer8Hu/acontext-api/internal/models"
	"github.com/suPer8Hu/acontext-api/internal/store/rabbitmq"
)

const testProject = "proj-1"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.Connect(fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []rabbitmq.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev rabbitmq.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type memAssets struct {
	saved map[string][]byte
}

func (a *memAssets) Save(_ context.Context, projectID, filename, mime string, data []byte) (models.AssetRef, error) {
	key := "assets/" + projectID + "/" + filename
	a.saved[key] = data
	return models.AssetRef{Bucket: "mem", Key: key, MIME: mime, SizeB: int64(len(data)), Filename: filename}, nil
}

type staticSigner struct{}

func (staticSigner) URL(ref models.AssetRef) string { return "https://assets.test/" + ref.Key }

func newTestService(t *testing.T, deps Deps) (*Service, *Repo) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return NewService(repo, deps), repo
}

func mustSession(t *testing.T, svc *Service, in CreateSessionInput) *models.Session {
	t.Helper()
	sess, err := svc.CreateSession(context.Background(), testProject, in)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func store(t *testing.T, svc *Service, sessionID, format, blob string) *models.Message {
	t.Helper()
	m, err := svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: sessionID,
		Format:    format,
		Blob:      json.RawMessage(blob),
	})
	if err != nil {
		t.Fatalf("store message: %v", err)
	}
	return m
}

func TestStoreMessage_SeqParentAndEvent(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService(t, Deps{Publisher: pub})
	sess := mustSession(t, svc, CreateSessionInput{})

	m1 := store(t, svc, sess.ID, "openai", `{"role":"user","content":"hi"}`)
	m2 := store(t, svc, sess.ID, "openai", `{"role":"assistant","content":"hello"}`)

	if m1.Seq != 1 || m2.Seq != 2 {
		t.Fatalf("seq = %d,%d, want 1,2", m1.Seq, m2.Seq)
	}
	if m1.ParentID != nil {
		t.Fatalf("first message must have no parent")
	}
	if m2.ParentID == nil || *m2.ParentID != m1.ID {
		t.Fatalf("parent = %v, want %s", m2.ParentID, m1.ID)
	}
	if m1.ProcessStatus != models.StatusUnobserved {
		t.Fatalf("status = %s", m1.ProcessStatus)
	}
	if pub.count() != 2 {
		t.Fatalf("events = %d, want 2", pub.count())
	}
	ev := pub.events[1]
	if ev.SessionID != sess.ID || ev.MessageID != m2.ID || ev.Reason != rabbitmq.ReasonNewMessage || ev.EventID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStoreMessage_UnknownFormatFailsBeforePersistence(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(t, Deps{Publisher: pub})
	sess := mustSession(t, svc, CreateSessionInput{})

	_, err := svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: sess.ID,
		Format:    "gemini",
		Blob:      json.RawMessage(`{"role":"user","content":"hi"}`),
	})
	if !common.IsKind(err, common.KindValidation) {
		t.Fatalf("want validation error, got %v", err)
	}

	_, err = svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: sess.ID,
		Format:    "openai",
		Blob:      json.RawMessage(`{"role":"user","content":[{"type":"input_audio"}]}`),
	})
	if !common.IsKind(err, common.KindValidation) {
		t.Fatalf("empty content: want validation error, got %v", err)
	}

	msgs, _ := repo.ListAllMessages(context.Background(), sess.ID)
	if len(msgs) != 0 || pub.count() != 0 {
		t.Fatalf("nothing may be persisted or published, got %d msgs %d events", len(msgs), pub.count())
	}
}

func TestStoreMessage_UnknownSession(t *testing.T) {
	svc, _ := newTestService(t, Deps{})
	_, err := svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: "missing",
		Blob:      json.RawMessage(`{"role":"user","parts":[{"type":"text","text":"x"}]}`),
	})
	if !common.IsKind(err, common.KindNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestStoreMessage_PublishFailureSurfacedAfterStore(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc, repo := newTestService(t, Deps{Publisher: pub})
	sess := mustSession(t, svc, CreateSessionInput{})

	m, err := svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: sess.ID,
		Blob:      json.RawMessage(`{"role":"user","parts":[{"type":"text","text":"x"}]}`),
	})
	if !common.IsKind(err, common.KindDownstream) {
		t.Fatalf("want downstream error, got %v", err)
	}
	if m == nil {
		t.Fatalf("stored message must be returned with the error")
	}
	msgs, _ := repo.ListAllMessages(context.Background(), sess.ID)
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("message must stay stored, got %d", len(msgs))
	}
}

func TestStoreMessage_TaskTrackingDisabledSkipsEvent(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService(t, Deps{Publisher: pub})
	sess := mustSession(t, svc, CreateSessionInput{DisableTaskTracking: true})

	store(t, svc, sess.ID, "", `{"role":"user","parts":[{"type":"text","text":"x"}]}`)
	if pub.count() != 0 {
		t.Fatalf("events = %d, want 0", pub.count())
	}
}

func TestStoreMessage_FilesBecomeAssets(t *testing.T) {
	assets := &memAssets{saved: map[string][]byte{}}
	svc, _ := newTestService(t, Deps{Assets: assets})
	sess := mustSession(t, svc, CreateSessionInput{})

	m, err := svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: sess.ID,
		Blob:      json.RawMessage(`{"role":"user","parts":[{"type":"text","text":"see"},{"type":"file","file":{"file_field":"doc"}}]}`),
		Files:     map[string]Upload{"doc": {Filename: "a.txt", MIME: "text/plain", Data: []byte("hello")}},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(m.Parts) != 2 || m.Parts[1].Type != models.PartAsset || m.Parts[1].Asset.Key != "assets/proj-1/a.txt" {
		t.Fatalf("unexpected parts %+v", m.Parts)
	}
	if string(assets.saved["assets/proj-1/a.txt"]) != "hello" {
		t.Fatalf("asset not saved")
	}

	// inline anthropic image data is stored too
	m, err = svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: sess.ID,
		Format:    "anthropic",
		Blob:      json.RawMessage(`{"role":"user","content":[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGVsbG8="}}]}`),
	})
	if err != nil {
		t.Fatalf("store inline: %v", err)
	}
	if m.Parts[0].Type != models.PartAsset || m.Parts[0].Asset.MIME != "image/png" {
		t.Fatalf("inline data must become an asset, got %+v", m.Parts[0])
	}

	_, err = svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: sess.ID,
		Blob:      json.RawMessage(`{"role":"user","parts":[{"type":"file","file":{"file_field":"missing"}}]}`),
	})
	if !common.IsKind(err, common.KindValidation) {
		t.Fatalf("missing upload: want validation error, got %v", err)
	}
}

func TestStoreMessage_ConcurrentGaplessAndCursorStable(t *testing.T) {
	svc, _ := newTestService(t, Deps{})
	sess := mustSession(t, svc, CreateSessionInput{})
	ctx := context.Background()

	store(t, svc, sess.ID, "", `{"role":"user","parts":[{"type":"text","text":"first"}]}`)

	before, err := svc.GetMessages(ctx, testProject, GetMessagesInput{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := len(before.Items.([]models.Message)); n != 1 {
		t.Fatalf("first page = %d items", n)
	}

	const writers = 2
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.StoreMessage(ctx, testProject, StoreMessageInput{
				SessionID: sess.ID,
				Blob:      json.RawMessage(fmt.Sprintf(`{"role":"user","parts":[{"type":"text","text":"w%d"}]}`, i)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent store: %v", err)
		}
	}

	after, err := svc.GetMessages(ctx, testProject, GetMessagesInput{SessionID: sess.ID, Cursor: before.NextCursor})
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	items := after.Items.([]models.Message)
	if len(items) != writers {
		t.Fatalf("tail page = %d items, want %d", len(items), writers)
	}
	if items[0].Seq != 2 || items[1].Seq != 3 {
		t.Fatalf("seqs = %d,%d, want 2,3", items[0].Seq, items[1].Seq)
	}

	all, err := svc.GetMessages(ctx, testProject, GetMessagesInput{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	seen := map[string]bool{}
	for i, m := range all.Items.([]models.Message) {
		if m.Seq != uint64(i+1) {
			t.Fatalf("gap at %d: seq %d", i, m.Seq)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate %s", m.ID)
		}
		seen[m.ID] = true
	}

	// an empty tail page keeps the cursor so polling stays put
	empty, err := svc.GetMessages(ctx, testProject, GetMessagesInput{SessionID: sess.ID, Cursor: after.NextCursor})
	if err != nil {
		t.Fatalf("get empty: %v", err)
	}
	if empty.NextCursor != after.NextCursor || empty.HasMore {
		t.Fatalf("empty page cursor = %q, want %q", empty.NextCursor, after.NextCursor)
	}
}

func TestStoreMessage_ManyConcurrentWriters(t *testing.T) {
	svc, repo := newTestService(t, Deps{})
	sess := mustSession(t, svc, CreateSessionInput{})

	const writers = 16
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
				SessionID: sess.ID,
				Blob:      json.RawMessage(`{"role":"user","parts":[{"type":"text","text":"x"}]}`),
			})
			if err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	if failed.Load() != 0 {
		t.Fatalf("%d writers failed", failed.Load())
	}

	msgs, err := repo.ListAllMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != writers {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != uint64(i+1) {
			t.Fatalf("seq %d at %d", m.Seq, i)
		}
		if i > 0 && (m.ParentID == nil || *m.ParentID != msgs[i-1].ID) {
			t.Fatalf("broken parent chain at %d", i)
		}
	}
}

func TestGetMessages_PagingAndDesc(t *testing.T) {
	svc, _ := newTestService(t, Deps{})
	sess := mustSession(t, svc, CreateSessionInput{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		store(t, svc, sess.ID, "", fmt.Sprintf(`{"role":"user","parts":[{"type":"text","text":"m%d"}]}`, i))
	}

	p1, err := svc.GetMessages(ctx, testProject, GetMessagesInput{SessionID: sess.ID, Limit: 2, TimeDesc: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	items := p1.Items.([]models.Message)
	if !p1.HasMore || items[0].Seq != 5 || items[1].Seq != 4 {
		t.Fatalf("desc page 1 wrong: more=%v %d,%d", p1.HasMore, items[0].Seq, items[1].Seq)
	}

	p2, _ := svc.GetMessages(ctx, testProject, GetMessagesInput{SessionID: sess.ID, Limit: 2, TimeDesc: true, Cursor: p1.NextCursor})
	p3, _ := svc.GetMessages(ctx, testProject, GetMessagesInput{SessionID: sess.ID, Limit: 2, TimeDesc: true, Cursor: p2.NextCursor})
	if got := p3.Items.([]models.Message); len(got) != 1 || got[0].Seq != 1 || p3.HasMore {
		t.Fatalf("desc last page wrong: %+v more=%v", got, p3.HasMore)
	}

	_, err = svc.GetMessages(ctx, testProject, GetMessagesInput{SessionID: sess.ID, Cursor: "%%%"})
	if !common.IsKind(err, common.KindValidation) {
		t.Fatalf("bad cursor: want validation, got %v", err)
	}
}

func TestOpenAIStoredReadAsAnthropic(t *testing.T) {
	svc, _ := newTestService(t, Deps{})
	sess := mustSession(t, svc, CreateSessionInput{})

	store(t, svc, sess.ID, "openai", `{"role":"user","content":"weather in Paris?"}`)
	store(t, svc, sess.ID, "openai", `{"role":"assistant","content":null,"tool_calls":[{"id":"call_9","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]}`)

	page, err := svc.GetMessages(context.Background(), testProject, GetMessagesInput{SessionID: sess.ID, Format: "anthropic"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	items := page.Items.([]json.RawMessage)
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	var wire struct {
		Role    string `json:"role"`
		Content []struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(items[1], &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	tu := wire.Content[0]
	if wire.Role != "assistant" || tu.Type != "tool_use" || tu.ID != "call_9" || tu.Name != "get_weather" || tu.Input["city"] != "Paris" {
		t.Fatalf("unexpected tool_use %+v", wire)
	}
}

func TestGetMessages_EditingTriggerMemoized(t *testing.T) {
	var calls int32
	counter := func(ctx context.Context, msgs []models.Message) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 150, nil
	}
	svc, repo := newTestService(t, Deps{Counter: counter})
	sess := mustSession(t, svc, CreateSessionInput{Configs: map[string]any{
		"editing_trigger": map[string]any{"token_gte": 100},
		"edit_strategies": []any{map[string]any{"type": "remove_tool_result", "params": map[string]any{"keep_recent_n_tool_results": 1}}},
	}})
	store(t, svc, sess.ID, "", `{"role":"assistant","parts":[{"type":"tool-call","tool_call":{"id":"c1","name":"f"}}]}`)
	store(t, svc, sess.ID, "", `{"role":"user","parts":[{"type":"tool-result","tool_result":{"tool_call_id":"c1","content":"old"}}]}`)
	store(t, svc, sess.ID, "", `{"role":"user","parts":[{"type":"tool-result","tool_result":{"tool_call_id":"c2","content":"new"}}]}`)

	for i := 0; i < 2; i++ {
		page, err := svc.GetMessages(context.Background(), testProject, GetMessagesInput{SessionID: sess.ID})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !page.Edited || page.ThisTimeTokens == nil || *page.ThisTimeTokens != 150 {
			t.Fatalf("expected edited page with 150 tokens, got edited=%v tokens=%v", page.Edited, page.ThisTimeTokens)
		}
		items := page.Items.([]models.Message)
		if items[1].Parts[0].ToolResult.Content != "Done" || items[2].Parts[0].ToolResult.Content != "new" {
			t.Fatalf("strategy not applied: %+v", items)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("counter called %d times, want 1", n)
	}

	stored, _ := repo.ListAllMessages(context.Background(), sess.ID)
	if stored[1].Parts[0].ToolResult.Content != "old" {
		t.Fatalf("editing must not touch stored messages")
	}
}

func TestGetMessages_BelowThresholdNotEdited(t *testing.T) {
	counter := func(ctx context.Context, msgs []models.Message) (int, error) { return 10, nil }
	svc, repo := newTestService(t, Deps{Counter: counter})
	sess := mustSession(t, svc, CreateSessionInput{Configs: map[string]any{"editing_trigger": map[string]any{"token_gte": 100}}})
	for i := 0; i < 5; i++ {
		store(t, svc, sess.ID, "", fmt.Sprintf(`{"role":"user","parts":[{"type":"tool-result","tool_result":{"tool_call_id":"c%d","content":"r"}}]}`, i))
	}
	page, err := svc.GetMessages(context.Background(), testProject, GetMessagesInput{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if page.Edited {
		t.Fatalf("below threshold must not edit")
	}
	stored, _ := repo.ListAllMessages(context.Background(), sess.ID)
	if stored[0].Parts[0].ToolResult.Content != "r" {
		t.Fatalf("stored content changed")
	}
}

func TestSessionsAreProjectScoped(t *testing.T) {
	svc, _ := newTestService(t, Deps{})
	sess := mustSession(t, svc, CreateSessionInput{})
	ctx := context.Background()

	if _, err := svc.GetSession(ctx, "other-project", sess.ID); !common.IsKind(err, common.KindNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if err := svc.DeleteSession(ctx, "other-project", sess.ID); !common.IsKind(err, common.KindNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if _, err := svc.ConnectToSpace(ctx, "other-project", sess.ID, "space-1"); !common.IsKind(err, common.KindNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc, repo := newTestService(t, Deps{})
	ctx := context.Background()
	user := "alice"
	sess := mustSession(t, svc, CreateSessionInput{User: &user})

	got, err := svc.ConnectToSpace(ctx, testProject, sess.ID, "space-1")
	if err != nil || got.SpaceID == nil || *got.SpaceID != "space-1" {
		t.Fatalf("connect: %v %+v", err, got)
	}
	got, err = svc.UpdateConfigs(ctx, testProject, sess.ID, map[string]any{"mode": "fast"})
	if err != nil || got.Configs["mode"] != "fast" {
		t.Fatalf("configs: %v %+v", err, got)
	}
	if _, err := svc.UpdateConfigs(ctx, testProject, sess.ID, map[string]any{"edit_strategies": []any{map[string]any{"type": "nope"}}}); !common.IsKind(err, common.KindValidation) {
		t.Fatalf("bad strategy must be rejected, got %v", err)
	}

	store(t, svc, sess.ID, "", `{"role":"user","parts":[{"type":"text","text":"x"}]}`)
	if err := svc.DeleteSession(ctx, testProject, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if msgs, _ := repo.ListAllMessages(ctx, sess.ID); len(msgs) != 0 {
		t.Fatalf("messages must be deleted with the session")
	}
}

func TestUpdateMessageMeta(t *testing.T) {
	svc, _ := newTestService(t, Deps{})
	sess := mustSession(t, svc, CreateSessionInput{})
	ctx := context.Background()
	m := store(t, svc, sess.ID, "", `{"role":"user","parts":[{"type":"text","text":"x"}],"meta":{"a":1}}`)

	got, err := svc.UpdateMessageMeta(ctx, testProject, sess.ID, m.ID, map[string]any{"b": "two"})
	if err != nil {
		t.Fatalf("update meta: %v", err)
	}
	// stored meta decodes numbers as json.Number
	if fmt.Sprint(got.Meta["a"]) != "1" || got.Meta["b"] != "two" {
		t.Fatalf("meta not merged: %+v", got.Meta)
	}
	if got.Parts[0].Text != "x" {
		t.Fatalf("parts changed")
	}
	if _, err := svc.UpdateMessageMeta(ctx, testProject, sess.ID, "missing", map[string]any{}); !common.IsKind(err, common.KindNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestPublicURLsForNativeFormat(t *testing.T) {
	assets := &memAssets{saved: map[string][]byte{}}
	svc, _ := newTestService(t, Deps{Assets: assets, Signer: staticSigner{}})
	sess := mustSession(t, svc, CreateSessionInput{})
	_, err := svc.StoreMessage(context.Background(), testProject, StoreMessageInput{
		SessionID: sess.ID,
		Blob:      json.RawMessage(`{"role":"user","parts":[{"type":"file","file":{"file_field":"f"}}]}`),
		Files:     map[string]Upload{"f": {Filename: "x.png", MIME: "image/png", Data: []byte("png")}},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	page, err := svc.GetMessages(context.Background(), testProject, GetMessagesInput{SessionID: sess.ID, WithAssetPublicURL: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if page.PublicURLs["assets/proj-1/x.png"] != "https://assets.test/assets/proj-1/x.png" {
		t.Fatalf("public urls = %+v", page.PublicURLs)
	}
}

func TestTokenCountAndTasks(t *testing.T) {
	counter := func(ctx context.Context, msgs []models.Message) (int, error) { return len(msgs) * 3, nil }
	svc, repo := newTestService(t, Deps{Counter: counter})
	sess := mustSession(t, svc, CreateSessionInput{})
	store(t, svc, sess.ID, "", `{"role":"user","parts":[{"type":"text","text":"x"}]}`)
	store(t, svc, sess.ID, "", `{"role":"user","parts":[{"type":"text","text":"y"}]}`)

	n, err := svc.TokenCount(context.Background(), testProject, sess.ID)
	if err != nil || n != 6 {
		t.Fatalf("tokens = %d, %v", n, err)
	}

	for i, desc := range []string{"second", "first"} {
		task := &models.Task{ID: fmt.Sprintf("t%d", i), SessionID: sess.ID, ProjectID: testProject, Order: 2 - i, Status: models.TaskPending}
		task.Data = datatypes.NewJSONType(models.TaskData{TaskDescription: desc})
		if err := repo.db.Create(task).Error; err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}
	tasks, err := svc.ListTasks(context.Background(), testProject, sess.ID)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Data.Data().TaskDescription != "first" {
		t.Fatalf("tasks out of order: %+v", tasks)
	}
}

func TestReconcilerPublishesStaleSessions(t *testing.T) {
	svc, repo := newTestService(t, Deps{})
	ctx := context.Background()

	stale := mustSession(t, svc, CreateSessionInput{})
	untracked := mustSession(t, svc, CreateSessionInput{DisableTaskTracking: true})
	observed := mustSession(t, svc, CreateSessionInput{})
	for _, s := range []*models.Session{stale, untracked, observed} {
		store(t, svc, s.ID, "", `{"role":"user","parts":[{"type":"text","text":"x"}]}`)
	}
	if err := repo.db.Model(&models.Message{}).Where("session_id = ?", observed.ID).
		Update("session_task_process_status", models.StatusObserved).Error; err != nil {
		t.Fatalf("mark observed: %v", err)
	}

	pub := &recordingPublisher{}
	r := NewReconciler(repo, pub, time.Minute, 10, logging.Discard(), nil)

	n, err := r.SweepOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("fresh messages are within grace: n=%d err=%v", n, err)
	}

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = r.SweepOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if ev := pub.events[0]; ev.SessionID != stale.ID || ev.Reason != rabbitmq.ReasonReconcile {
		t.Fatalf("unexpected event %+v", ev)
	}

	pub.err = errors.New("down")
	if _, err := r.SweepOnce(ctx); err == nil {
		t.Fatalf("publish error must be returned")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	seq, ok, err := DecodeCursor(EncodeCursor(42))
	if err != nil || !ok || seq != 42 {
		t.Fatalf("got %d %v %v", seq, ok, err)
	}
	if _, ok, err := DecodeCursor(""); ok || err != nil {
		t.Fatalf("empty cursor must be absent")
	}
}

func TestStoreMessage_KeepThinking(t *testing.T) {
	svc, _ := newTestService(t, Deps{})
	sess := mustSession(t, svc, CreateSessionInput{})
	blob := json.RawMessage(`{"role":"assistant","content":[{"type":"thinking","thinking":"hmm","signature":"sig"},{"type":"text","text":"answer"}]}`)

	m, err := svc.StoreMessage(context.Background(), testProject, StoreMessageInput{SessionID: sess.ID, Format: "anthropic", Blob: blob})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(m.Parts) != 1 || m.Parts[0].Type != models.PartText {
		t.Fatalf("thinking must be dropped by default, got %+v", m.Parts)
	}

	m, err = svc.StoreMessage(context.Background(), testProject, StoreMessageInput{SessionID: sess.ID, Format: "anthropic", Blob: blob, KeepThinking: true})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(m.Parts) != 2 || m.Parts[0].Type != models.PartThinking || m.Parts[0].Text != "hmm" {
		t.Fatalf("thinking not kept: %+v", m.Parts)
	}
}

func TestEvalCache_EvictsOldSessions(t *testing.T) {
	svc, _ := newTestService(t, Deps{EvalCacheSize: 2, EvalCacheTTL: time.Hour})
	snap := []models.Message{{ID: "m1"}}

	first := svc.evalFor("s1", snap)
	if svc.evalFor("s1", snap) != first {
		t.Fatalf("unchanged snapshot must reuse the eval")
	}
	svc.evalFor("s2", snap)
	svc.evalFor("s3", snap)

	if n := svc.evals.Len(); n != 2 {
		t.Fatalf("cache len = %d, want 2", n)
	}
	if _, ok := svc.evals.Get("s1"); ok {
		t.Fatalf("least recently used session must be evicted")
	}
	if svc.evalFor("s1", snap) == first {
		t.Fatalf("evicted session must get a fresh eval")
	}
}

func TestEvalCache_Expires(t *testing.T) {
	svc, _ := newTestService(t, Deps{EvalCacheTTL: 20 * time.Millisecond})
	svc.evalFor("s1", []models.Message{{ID: "m1"}})
	time.Sleep(60 * time.Millisecond)
	if _, ok := svc.evals.Get("s1"); ok {
		t.Fatalf("eval must expire after the ttl")
	}
}
