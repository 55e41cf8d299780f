package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/stylecast/stylecast/internal/config"
	"github.com/stylecast/stylecast/internal/generation"
)

type memStore struct {
	objects map[string][]byte
}

func (m *memStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	m.objects[key] = data
	return nil
}

func (m *memStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (m *memStore) Delete(ctx context.Context, keys []string) error {
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func newWebhookFixture(t *testing.T) (*generation.Repo, *Handler, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&generation.Session{}, &generation.Asset{}, &generation.Generation{},
		&generation.GenerationAsset{}, &generation.GenerationTask{},
		&generation.GenerationOutput{}, &generation.Job{}, &generation.JobLog{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	repo := generation.NewRepo(db)
	store := &memStore{objects: make(map[string][]byte)}
	rec := generation.NewReconciler(repo, store, zerolog.Nop())
	h := New(&config.Config{}, repo, nil, store, rec, zerolog.Nop())

	r := gin.New()
	r.POST("/webhooks/kie", h.HandleKieWebhook)
	return repo, h, r
}

func seedTask(t *testing.T, repo *generation.Repo, taskID string) *generation.Generation {
	t.Helper()
	ctx := context.Background()
	sess := &generation.Session{ID: "sess-webhook-" + taskID}
	if err := repo.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	g := &generation.Generation{
		ID:        "gen-" + taskID,
		SessionID: sess.ID,
		Prompt:    "garment on model",
		Status:    generation.StatusQueued,
	}
	if err := repo.CreateGenerationWithAssets(ctx, g, nil); err != nil {
		t.Fatalf("create generation: %v", err)
	}
	if err := repo.MarkProcessing(ctx, g.ID, time.Now()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := repo.SetVariations(ctx, g.ID, 1); err != nil {
		t.Fatalf("set variations: %v", err)
	}
	if err := repo.AppendTask(ctx, g.ID, taskID); err != nil {
		t.Fatalf("append task: %v", err)
	}
	return g
}

func postWebhook(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/kie", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_MalformedBodyAcked(t *testing.T) {
	repo, _, r := newWebhookFixture(t)
	g := seedTask(t, repo, "t-noise")

	for _, body := range []string{"", "not json", `{"code":200,"data":{"state":"success"}}`} {
		if w := postWebhook(r, body); w.Code != 200 {
			t.Fatalf("body %q: expected 200 ack, got %d", body, w.Code)
		}
	}

	got, err := repo.GetGenerationByID(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != generation.StatusProcessing || got.VariationsDone != 0 {
		t.Fatalf("malformed deliveries must have no effect: %+v", got)
	}
}

func TestWebhook_NonTerminalStateAcked(t *testing.T) {
	repo, _, r := newWebhookFixture(t)
	g := seedTask(t, repo, "t-progress")

	body := `{"code":200,"data":{"taskId":"t-progress","state":"generating"}}`
	if w := postWebhook(r, body); w.Code != 200 {
		t.Fatalf("expected 200 ack, got %d", w.Code)
	}

	got, err := repo.GetGenerationByID(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != generation.StatusProcessing || got.VariationsDone != 0 {
		t.Fatalf("non-terminal state must not advance the generation: %+v", got)
	}
}

func TestWebhook_TerminalSuccessReconciles(t *testing.T) {
	repo, _, r := newWebhookFixture(t)
	g := seedTask(t, repo, "t-done")

	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, rq *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG fake"))
	}))
	defer img.Close()

	body := fmt.Sprintf(
		`{"code":200,"data":{"taskId":"t-done","state":"success","resultJson":"{\"resultUrls\":[\"%s/out.png\"]}"}}`,
		img.URL)
	if w := postWebhook(r, body); w.Code != 200 {
		t.Fatalf("expected 200 ack, got %d", w.Code)
	}

	// Reconciliation runs after the ack; wait for it to land.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := repo.GetGenerationByID(context.Background(), g.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if got.Status == generation.StatusCompleted {
			n, err := repo.CountOutputs(context.Background(), g.ID)
			if err != nil {
				t.Fatalf("count outputs: %v", err)
			}
			if n != 1 {
				t.Fatalf("expected one output, got %d", n)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("generation never completed, last status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
