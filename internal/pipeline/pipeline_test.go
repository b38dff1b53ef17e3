package pipeline

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doodle-forge/backend/internal/auth"
	"doodle-forge/backend/internal/flows"
	"doodle-forge/backend/internal/ledger"
	"doodle-forge/backend/internal/moderation"
	"doodle-forge/backend/internal/repository"
	"doodle-forge/backend/pkg/models"
)

type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Classify(ctx context.Context, content string) (moderation.Decision, error) {
	args := m.Called(ctx, content)
	return args.Get(0).(moderation.Decision), args.Error(1)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordRun(ctx context.Context, run models.GenerationRun) error {
	return m.Called(ctx, run).Error(0)
}

// tokenVerifier accepts "token-<uid>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(ctx context.Context, token string) (auth.Session, error) {
	uid, ok := strings.CutPrefix(token, "token-")
	if !ok || uid == "" {
		return auth.Session{}, auth.ErrInvalidToken
	}
	return auth.Session{UID: uid}, nil
}

// stubSource hands out test executors and counts calls per flow.
type stubSource struct {
	mu    sync.Mutex
	execs map[string]flows.ExecutorFunc
	calls map[string]int
}

func (s *stubSource) Executor(flow string) flows.Executor {
	return flows.ExecutorFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		s.mu.Lock()
		s.calls[flow]++
		exec := s.execs[flow]
		s.mu.Unlock()
		if exec == nil {
			return nil, fmt.Errorf("no stub for %s", flow)
		}
		return exec(ctx, input)
	})
}

func (s *stubSource) count(flow string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[flow]
}

func static(output string) flows.ExecutorFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(output), nil
	}
}

type fixture struct {
	pipeline   *Pipeline
	ledger     *ledger.Ledger
	store      *repository.InMemoryStore
	classifier *MockClassifier
	source     *stubSource
}

func newFixture(t *testing.T, balance int64, execs map[string]flows.ExecutorFunc, opts Options) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil, balance, execs, opts)
}

// newFixtureWithStore lets wrap decorate the in-memory store the ledger sees.
func newFixtureWithStore(t *testing.T, wrap func(*repository.InMemoryStore) ledger.Store, balance int64, execs map[string]flows.ExecutorFunc, opts Options) *fixture {
	t.Helper()
	source := &stubSource{execs: execs, calls: make(map[string]int)}
	registry := flows.NewRegistry()
	require.NoError(t, flows.RegisterBuiltins(registry, source))
	registry.Freeze()

	store := repository.NewInMemoryStore()
	var backing ledger.Store = store
	if wrap != nil {
		backing = wrap(store)
	}
	l := ledger.New(backing, balance)
	classifier := new(MockClassifier)

	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	p, err := New(tokenVerifier{}, NewCatalog(registry, nil), registry, l,
		moderation.NewGate(classifier, time.Second, nil), opts)
	require.NoError(t, err)

	return &fixture{pipeline: p, ledger: l, store: store, classifier: classifier, source: source}
}

func (f *fixture) balance(t *testing.T, uid string) int64 {
	t.Helper()
	account, err := f.ledger.Balance(context.Background(), uid)
	require.NoError(t, err)
	return account.Balance
}

const (
	drawingPayload = `{"drawing":"data:image/png;base64,AAAA"}`
	cleanupOutput  = `{"image":"data:image/png;base64,BBBB","description":"a happy cat"}`
)

func TestRun_Succeeded(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{})
	f.classifier.On("Classify", mock.Anything, "a happy cat").Return(moderation.Decision{IsSafe: true}, nil).Once()

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, res.Status)
	assert.Equal(t, int64(3), res.Cost)
	assert.NotEmpty(t, res.RequestID)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, flows.FlowCleanupDrawing, res.Artifacts[0].Flow)
	assert.JSONEq(t, cleanupOutput, string(res.Artifacts[0].Output))
	assert.False(t, res.Refunded)
	assert.Equal(t, int64(7), f.balance(t, "kid"))
	f.classifier.AssertExpectations(t)
}

func TestRun_DeniedWithoutInvokingFlows(t *testing.T) {
	f := newFixture(t, 2, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{})

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusDenied, res.Status)
	assert.Equal(t, ReasonInsufficientCredits, res.Reason)
	assert.Empty(t, res.Artifacts)
	assert.Equal(t, int64(2), f.balance(t, "kid"))
	assert.Zero(t, f.source.count(flows.FlowCleanupDrawing))
	f.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestRun_RejectedRefundsAndWithholdsArtifacts(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(`{"image":"data:image/png;base64,CCCC","description":"two knights fighting"}`),
	}, Options{})
	f.classifier.On("Classify", mock.Anything, "two knights fighting").
		Return(moderation.Decision{IsSafe: false, Reason: "depicts violence"}, nil)

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, "depicts violence", res.Reason)
	assert.Nil(t, res.Artifacts)
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(10), f.balance(t, "kid"))
}

func TestRun_ModerationErrorFailsClosed(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{})
	f.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(moderation.Decision{IsSafe: true}, errors.New("moderation backend down"))

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, moderation.ReasonUnverified, res.Reason)
	assert.Nil(t, res.Artifacts)
	assert.Equal(t, int64(10), f.balance(t, "kid"))
	// fail-closed outcomes are not retried
	f.classifier.AssertNumberOfCalls(t, "Classify", 1)
}

func TestRun_OutputContractViolationNeverReachesModeration(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(`{"image":"data:image/png;base64,DDDD"}`),
	}, Options{})

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	var outErr *flows.OutputValidationError
	assert.True(t, errors.As(res.Cause, &outErr))
	assert.Nil(t, res.Artifacts)
	assert.Equal(t, int64(10), f.balance(t, "kid"))
	// contract errors are deterministic and not retried
	assert.Equal(t, 1, f.source.count(flows.FlowCleanupDrawing))
	f.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestRun_InputValidationFailsWithoutExecutorCall(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{})

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(`{"prompt":"no drawing"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	var inErr *flows.InputValidationError
	assert.True(t, errors.As(res.Cause, &inErr))
	assert.Contains(t, res.Reason, "invalid input")
	assert.Zero(t, f.source.count(flows.FlowCleanupDrawing))
	assert.Equal(t, int64(10), f.balance(t, "kid"))
}

func TestRun_ExecutorErrorsAreRetried(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("model overloaded")
			}
			return json.RawMessage(cleanupOutput), nil
		},
	}, Options{MaxAttempts: 3})
	f.classifier.On("Classify", mock.Anything, mock.Anything).Return(moderation.Decision{IsSafe: true}, nil)

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, res.Status)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(7), f.balance(t, "kid"))
}

func TestRun_RetriesAreBounded(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("model overloaded")
		},
	}, Options{MaxAttempts: 2})

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	var execErr *flows.ExecutorError
	assert.True(t, errors.As(res.Cause, &execErr))
	assert.Equal(t, 2, f.source.count(flows.FlowCleanupDrawing))
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(10), f.balance(t, "kid"))
}

func TestRun_StagesChainOutputs(t *testing.T) {
	var avatarInput map[string]any
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowTitle: static(`{"title":"Sir Whiskers"}`),
		flows.FlowAvatar: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			if err := json.Unmarshal(input, &avatarInput); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"image":"data:image/png;base64,EEEE","description":"a cat in a crown"}`), nil
		},
	}, Options{})
	f.classifier.On("Classify", mock.Anything, "Sir Whiskers").Return(moderation.Decision{IsSafe: true}, nil)
	f.classifier.On("Classify", mock.Anything, "a cat in a crown").Return(moderation.Decision{IsSafe: true}, nil)

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "avatar", Payload: json.RawMessage(`{"description":"a cat"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, res.Status)
	assert.Equal(t, "Sir Whiskers", avatarInput["title"])
	assert.Equal(t, "a cat", avatarInput["description"])
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, 0, res.Artifacts[0].Stage)
	assert.Equal(t, flows.FlowAvatar, res.Artifacts[1].Flow)
	assert.Equal(t, int64(5), f.balance(t, "kid"))
	f.classifier.AssertExpectations(t)
}

func TestRun_LaterStageFailureRefundsEverything(t *testing.T) {
	f := newFixture(t, 20, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
		flows.FlowFunnyName:      static(`{"name":"Captain Noodle"}`),
		flows.FlowTitle:          static(`{"title":"Noodle"}`),
		flows.FlowAvatar: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("quota exceeded")
		},
	}, Options{MaxAttempts: 1})

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "full", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, int64(9), res.Cost)
	assert.Nil(t, res.Artifacts)
	assert.Equal(t, int64(20), f.balance(t, "kid"))
	f.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestRun_CancellationAfterDebitRefunds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, Options{})

	res, err := f.pipeline.Run(ctx, Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.True(t, res.Refunded)
	assert.Equal(t, 1, f.source.count(flows.FlowCleanupDrawing))
	assert.Equal(t, int64(10), f.balance(t, "kid"))
}

func TestRun_CancellationBeforeDebitChargesNothing(t *testing.T) {
	f := newFixture(t, 10, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.pipeline.Run(ctx, Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.False(t, res.Refunded)
	entries, err := f.store.Entries(context.Background(), "kid", 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "account is never touched")
}

func TestRun_UnauthorizedNeverDebits(t *testing.T) {
	f := newFixture(t, 10, nil, Options{})

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "garbage", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRun_BuildErrorsHappenBeforeDebit(t *testing.T) {
	f := newFixture(t, 10, nil, Options{})
	ctx := context.Background()

	_, err := f.pipeline.Run(ctx, Submission{Token: "token-kid", Recipe: "nope"})
	assert.ErrorIs(t, err, ErrUnknownRecipe)

	_, err = f.pipeline.Run(ctx, Submission{Token: "token-kid", Stages: []string{"title", "nope"}})
	assert.ErrorIs(t, err, flows.ErrUnknownFlow)

	_, err = f.pipeline.Run(ctx, Submission{Token: "token-kid"})
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = f.pipeline.Run(ctx, Submission{Token: "token-kid", Recipe: "title", Payload: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	entries, err := f.store.Entries(ctx, "kid", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_DevModeNeverChangesBalance(t *testing.T) {
	f := newFixture(t, 1, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{})
	_, err := f.ledger.SetDevMode(context.Background(), "dev", true)
	require.NoError(t, err)
	f.classifier.On("Classify", mock.Anything, mock.Anything).Return(moderation.Decision{IsSafe: true}, nil).Once()
	f.classifier.On("Classify", mock.Anything, mock.Anything).Return(moderation.Decision{IsSafe: false, Reason: "no"}, nil)

	for _, want := range []models.GenerationStatus{models.StatusSucceeded, models.StatusRejected} {
		res, err := f.pipeline.Run(context.Background(), Submission{
			Token: "token-dev", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
		})
		require.NoError(t, err)
		assert.Equal(t, want, res.Status)
		assert.True(t, res.Simulated)
		assert.False(t, res.Refunded)
		assert.Equal(t, int64(1), f.balance(t, "dev"))
	}
}

func TestRun_RecordsRuns(t *testing.T) {
	recorder := new(MockRecorder)
	recorder.On("RecordRun", mock.Anything, mock.MatchedBy(func(run models.GenerationRun) bool {
		return run.UserID == "kid" && run.Status == models.StatusDenied &&
			run.Recipe == "cleanup" && len(run.Stages) == 1 && !run.Refunded
	})).Return(nil).Once()

	f := newFixture(t, 0, nil, Options{Recorder: recorder})
	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDenied, res.Status)
	recorder.AssertExpectations(t)
}

type fakeUploader struct {
	fail bool
}

func (u fakeUploader) Upload(ctx context.Context, userID, dataURI string) (string, error) {
	if u.fail {
		return "", errors.New("bucket unavailable")
	}
	return "https://cdn.example/" + userID + "/1.png", nil
}

func TestRun_UploaderReplacesInlineImages(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{Uploader: fakeUploader{}})
	f.classifier.On("Classify", mock.Anything, mock.Anything).Return(moderation.Decision{IsSafe: true}, nil)

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, res.Status)
	assert.JSONEq(t, `{"image":"https://cdn.example/kid/1.png","description":"a happy cat"}`, string(res.Artifacts[0].Output))
}

func TestRun_UploadFailureRefunds(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{Uploader: fakeUploader{fail: true}})
	f.classifier.On("Classify", mock.Anything, mock.Anything).Return(moderation.Decision{IsSafe: true}, nil)

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, ReasonDeliveryFailed, res.Reason)
	assert.Nil(t, res.Artifacts)
	assert.Equal(t, int64(10), f.balance(t, "kid"))
}

func TestRun_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{})
	f.classifier.On("Classify", mock.Anything, mock.Anything).Return(moderation.Decision{IsSafe: true}, nil)

	var wg sync.WaitGroup
	var succeeded, denied atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.pipeline.Run(context.Background(), Submission{
				Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
			})
			if !assert.NoError(t, err) {
				return
			}
			switch res.Status {
			case models.StatusSucceeded:
				succeeded.Add(1)
			case models.StatusDenied:
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded.Load())
	assert.Equal(t, int32(3), denied.Load())
	assert.Equal(t, int64(1), f.balance(t, "kid"))
}

func TestResult_Response(t *testing.T) {
	res := &Result{RequestID: "r1", Status: models.StatusRejected, Reason: "depicts violence", Cost: 3, Cause: errors.New("x")}
	assert.Equal(t, models.GenerateResponse{
		RequestID: "r1", Status: models.StatusRejected, Reason: "depicts violence", Cost: 3,
	}, res.Response())
}

func TestModerationContent(t *testing.T) {
	a := stageOutput{
		stage:  Stage{Flow: "x", ImageFields: []string{"image"}},
		fields: map[string]any{"image": "data:image/png;base64,AA", "link": "https://example.com/rude words", "name": "Bob", "n": 3},
	}
	assert.Equal(t, "https://example.com/rude words\nBob", moderationContent(a))

	a.stage.ModerateFields = []string{"name"}
	assert.Equal(t, "Bob", moderationContent(a))

	// declared fields that came back empty fall back to the rest
	a.fields["name"] = " "
	assert.Equal(t, "https://example.com/rude words", moderationContent(a))

	assert.Equal(t, `"plain"`, moderationContent(stageOutput{output: json.RawMessage(`"plain"`)}))
}

func TestModerationContent_ImageOnlyIsStillDescribed(t *testing.T) {
	a := stageOutput{
		stage:  Stage{Flow: flows.FlowUpscale, ImageFields: []string{"image"}},
		fields: map[string]any{"image": "data:image/png;base64,AA"},
	}
	assert.Equal(t, undescribedArtifact(flows.FlowUpscale), moderationContent(a))
	assert.Equal(t, undescribedArtifact("y"), moderationContent(stageOutput{stage: Stage{Flow: "y"}, output: json.RawMessage(`null`)}))
}

func TestRun_URLShapedTitleIsModerated(t *testing.T) {
	const title = "https://example.com some violent title"
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowTitle: static(`{"title":"` + title + `"}`),
	}, Options{})
	f.classifier.On("Classify", mock.Anything, title).Return(moderation.Decision{IsSafe: false, Reason: "violence"}, nil).Once()

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "title", Payload: json.RawMessage(`{"description":"a cat"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, "violence", res.Reason)
	assert.Nil(t, res.Artifacts)
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(10), f.balance(t, "kid"))
	f.classifier.AssertExpectations(t)
}

func TestRun_ImageOnlyStageIsModerated(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowUpscale: static(`{"image":"data:image/png;base64,CCCC"}`),
	}, Options{})
	f.classifier.On("Classify", mock.Anything, undescribedArtifact(flows.FlowUpscale)).
		Return(moderation.Decision{IsSafe: false, Reason: "unverifiable image"}, nil).Once()

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "upscale", Payload: json.RawMessage(`{"image":"data:image/png;base64,AAAA"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Nil(t, res.Artifacts)
	assert.Equal(t, int64(10), f.balance(t, "kid"))
	f.classifier.AssertExpectations(t)
}

func TestRun_UploaderOnlyTouchesImageFields(t *testing.T) {
	f := newFixture(t, 10, map[string]flows.ExecutorFunc{
		flows.FlowTitle: static(`{"title":"data:not-an-image"}`),
	}, Options{Uploader: fakeUploader{}})
	f.classifier.On("Classify", mock.Anything, "data:not-an-image").Return(moderation.Decision{IsSafe: true}, nil)

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "title", Payload: json.RawMessage(`{"description":"a cat"}`),
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, res.Status)
	assert.JSONEq(t, `{"title":"data:not-an-image"}`, string(res.Artifacts[0].Output))
}

// lostAckStore commits debits but reports a failure, like a connection
// dropped after COMMIT was sent.
type lostAckStore struct {
	*repository.InMemoryStore
}

func (s lostAckStore) Debit(ctx context.Context, debitID, userID string, amount int64) (bool, error) {
	if _, err := s.InMemoryStore.Debit(ctx, debitID, userID, amount); err != nil {
		return false, err
	}
	return false, errors.New("connection reset by peer")
}

func TestRun_AmbiguousDebitIsRefunded(t *testing.T) {
	f := newFixtureWithStore(t, func(s *repository.InMemoryStore) ledger.Store {
		return lostAckStore{s}
	}, 10, map[string]flows.ExecutorFunc{
		flows.FlowCleanupDrawing: static(cleanupOutput),
	}, Options{})

	res, err := f.pipeline.Run(context.Background(), Submission{
		Token: "token-kid", Recipe: "cleanup", Payload: json.RawMessage(drawingPayload),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, ReasonChargeFailed, res.Reason)
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(10), f.balance(t, "kid"))
	assert.Equal(t, 0, f.source.count(flows.FlowCleanupDrawing))
	f.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}
