package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/botleague/internal/logger"
	"github.com/Strob0t/botleague/internal/port/messagequeue"
)

const waitFor = 10 * time.Second

func testConnect(t *testing.T) *Queue {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	q, err := Connect(context.Background(), url, DefaultStream)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, q.Close()) })
	return q
}

// scratchSubject is captured by the stream but has no schema.
func scratchSubject(t *testing.T) string {
	t.Helper()
	return "evaluations.test." + t.Name()
}

// tap reads subject through a raw consumer that starts at new messages,
// bypassing Queue.Subscribe and its validation.
func tap(t *testing.T, q *Queue, subject string) <-chan jetstream.Msg {
	t.Helper()
	ctx := context.Background()
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	require.NoError(t, err)

	out := make(chan jetstream.Msg, 16)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		_ = msg.Ack()
		select {
		case out <- msg:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(cc.Stop)
	return out
}

func completed(evalID string) []byte {
	data, _ := json.Marshal(messagequeue.EvaluationCompletedPayload{
		EvalID:    evalID,
		Submitter: "crizcraig",
		BotName:   "goodbot",
		ProblemID: "deepdrive/unprotected_left",
		Score:     42,
	})
	return data
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	evalID := uuid.NewString()

	got := make(chan messagequeue.EvaluationCompletedPayload, 1)
	stop, err := q.Subscribe(ctx, messagequeue.SubjectEvaluationCompleted, func(_ context.Context, _ string, data []byte) error {
		var p messagequeue.EvaluationCompletedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.EvalID == evalID {
			got <- p
		}
		return nil
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, q.Publish(ctx, messagequeue.SubjectEvaluationCompleted, completed(evalID)))

	select {
	case p := <-got:
		assert.Equal(t, "goodbot", p.BotName)
		assert.Equal(t, 42.0, p.Score)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for evaluation")
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject := scratchSubject(t)
	reqID := "req-" + uuid.NewString()[:8]

	got := make(chan string, 4)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		got <- logger.RequestID(ctx)
		return nil
	})
	require.NoError(t, err)
	defer stop()

	ctx := logger.WithRequestID(context.Background(), reqID)
	require.NoError(t, q.Publish(ctx, subject, []byte(`{"ping":true}`)))

	deadline := time.After(waitFor)
	for {
		select {
		case id := <-got:
			if id == reqID {
				return
			}
		case <-deadline:
			t.Fatal("request id never reached the handler")
		}
	}
}

func TestQueue_SchemaViolationGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := messagequeue.SubjectCohortFinished
	dlq := tap(t, q, subject+dlqSuffix)

	var handled atomic.Int32
	stop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer stop()

	// Publish refuses this payload, so it goes through JetStream directly.
	bad := []byte(`{"cohort_id":"problem_ci_1_` + uuid.NewString()[:6] + `","problem_id":"p","status":"pending"}`)
	_, err = q.js.Publish(ctx, subject, bad)
	require.NoError(t, err)

	select {
	case msg := <-dlq:
		assert.Equal(t, string(bad), string(msg.Data()))
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the dead letter")
	}
}

func TestQueue_RetryExhaustionGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := scratchSubject(t)
	dlq := tap(t, q, subject+dlqSuffix)

	stop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		return errors.New("ledger unavailable")
	})
	require.NoError(t, err)
	defer stop()

	// A message already at the retry limit is dead-lettered on its next failure.
	body := []byte(`{"attempt":"` + uuid.NewString() + `"}`)
	msg := &nats.Msg{Subject: subject, Data: body, Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	_, err = q.js.PublishMsg(ctx, msg)
	require.NoError(t, err)

	select {
	case dead := <-dlq:
		assert.Equal(t, string(body), string(dead.Data()))
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the dead letter")
	}
}

func TestQueue_ReplicasShareDurableConsumer(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := scratchSubject(t)
	marker := uuid.NewString()

	var deliveries atomic.Int32
	handler := func(_ context.Context, _ string, data []byte) error {
		if string(data) == `{"marker":"`+marker+`"}` {
			deliveries.Add(1)
		}
		return nil
	}
	for range 2 {
		stop, err := q.Subscribe(ctx, subject, handler)
		require.NoError(t, err)
		defer stop()
	}

	require.NoError(t, q.Publish(ctx, subject, []byte(`{"marker":"`+marker+`"}`)))

	require.Eventually(t, func() bool { return deliveries.Load() >= 1 }, waitFor, 50*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(1), deliveries.Load())
}

func TestQueue_PublishRejectsInvalidPayload(t *testing.T) {
	// Validation runs before the connection is touched.
	q := &Queue{}
	ctx := context.Background()
	assert.Error(t, q.Publish(ctx, messagequeue.SubjectCohortFinished, []byte("{")))
	assert.Error(t, q.Publish(ctx, messagequeue.SubjectCohortFinished, []byte(`{"cohort_id":"c","problem_id":"p","status":"pending"}`)))
	assert.Error(t, q.Publish(ctx, messagequeue.SubjectEvaluationCompleted, []byte(`{"eval_id":"e"}`)))
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	assert.True(t, q.IsConnected())
}

func TestRetryCount(t *testing.T) {
	h := nats.Header{}
	assert.Equal(t, 0, retryCount(h))
	h.Set(headerRetryCount, "2")
	assert.Equal(t, 2, retryCount(h))
	h.Set(headerRetryCount, "two")
	assert.Equal(t, 0, retryCount(h))
}

func TestDiscard(t *testing.T) {
	var q messagequeue.Queue = Discard{}
	payload := []byte(`{"cohort_id":"problem_ci_1_abcdef","problem_id":"p","pr_number":1,"status":"passed"}`)
	require.NoError(t, q.Publish(context.Background(), messagequeue.SubjectCohortFinished, payload))
	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectCohortFinished, nil)
	require.NoError(t, err)
	stop()
	assert.True(t, q.IsConnected())
	assert.NoError(t, q.Drain())
}

func TestConsumerName(t *testing.T) {
	for subject, want := range map[string]string{
		"evaluations.completed": "liaison_evaluations_completed",
		"cohorts.>":             "liaison_cohorts_all",
		"leaderboard.*":         "liaison_leaderboard_any",
	} {
		assert.Equal(t, want, consumerName(subject), subject)
	}
}
