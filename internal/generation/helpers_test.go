package generation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/stylecast/stylecast/internal/kie"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&Session{}, &Asset{}, &Generation{}, &GenerationAsset{},
		&GenerationTask{}, &GenerationOutput{}, &Job{}, &JobLog{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedSession(t *testing.T, repo *Repo) *Session {
	t.Helper()
	id, err := NewID()
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	s := &Session{ID: id, CreatedAt: time.Now(), LastActiveAt: time.Now()}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func seedAsset(t *testing.T, repo *Repo, sessionID string, role AssetRole) *Asset {
	t.Helper()
	id, err := NewID()
	if err != nil {
		t.Fatalf("asset id: %v", err)
	}
	a := &Asset{
		ID:          id,
		SessionID:   sessionID,
		Role:        role,
		Filename:    "input.png",
		ContentType: "image/png",
		ByteSize:    128,
		StorageKey:  "assets/" + sessionID + "/" + id + ".png",
	}
	if err := repo.CreateAsset(context.Background(), a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return a
}

// seedProcessingGeneration creates a generation that looks like the worker
// already submitted its tasks: processing, total set, task ids recorded.
func seedProcessingGeneration(t *testing.T, repo *Repo, sessionID string, taskIDs []string) *Generation {
	t.Helper()
	id, err := NewID()
	if err != nil {
		t.Fatalf("generation id: %v", err)
	}
	g := &Generation{
		ID:        id,
		SessionID: sessionID,
		Prompt:    "model wearing the garment",
		Status:    StatusQueued,
		Params:    datatypes.NewJSONType(GenerationParams{VariationCount: len(taskIDs)}.Normalized()),
	}
	if err := repo.CreateGenerationWithAssets(context.Background(), g, nil); err != nil {
		t.Fatalf("create generation: %v", err)
	}
	if err := repo.MarkProcessing(context.Background(), g.ID, time.Now()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := repo.SetVariations(context.Background(), g.ID, len(taskIDs)); err != nil {
		t.Fatalf("set variations: %v", err)
	}
	for _, taskID := range taskIDs {
		if err := repo.AppendTask(context.Background(), g.ID, taskID); err != nil {
			t.Fatalf("append task %s: %v", taskID, err)
		}
	}
	out, err := repo.GetGenerationByID(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("reload generation: %v", err)
	}
	return out
}

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakeStore) Delete(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
	}
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// fakePublisher records published job messages.
type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakePublisher) PublishJob(ctx context.Context, jobID, generationID, sessionID string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, generationID)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeTaskClient hands out sequential task ids and serves canned records.
type fakeTaskClient struct {
	mu        sync.Mutex
	nextTask  int
	createErr error
	records   map[string]*kie.TaskRecord
	onQuery   func(taskID string)
}

func newFakeTaskClient() *fakeTaskClient {
	return &fakeTaskClient{records: make(map[string]*kie.TaskRecord)}
}

func (f *fakeTaskClient) CreateTask(ctx context.Context, req kie.TaskRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTask++
	id := fmt.Sprintf("task-%d", f.nextTask)
	if _, ok := f.records[id]; !ok {
		f.records[id] = &kie.TaskRecord{TaskID: id, State: kie.StateWaiting}
	}
	return id, nil
}

func (f *fakeTaskClient) QueryTask(ctx context.Context, taskID string) (*kie.TaskRecord, error) {
	if f.onQuery != nil {
		f.onQuery(taskID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeTaskClient) setRecord(taskID, state, resultJSON, failMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[taskID] = &kie.TaskRecord{TaskID: taskID, State: state, ResultJSON: resultJSON, FailMsg: failMsg}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
