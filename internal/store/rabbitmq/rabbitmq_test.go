package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcker struct {
	mu     sync.Mutex
	acked  int
	nacked int
}

func (a *fakeAcker) Ack(bool) error {
	a.mu.Lock()
	a.acked++
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Nack(bool, bool) error {
	a.mu.Lock()
	a.nacked++
	a.mu.Unlock()
	return nil
}

func TestParseJobMessage(t *testing.T) {
	m, err := ParseJobMessage([]byte(`{"job_id":"01H"}`))
	require.NoError(t, err)
	assert.Equal(t, "01H", m.JobID)

	_, err = ParseJobMessage([]byte(`{}`))
	assert.Error(t, err)
	_, err = ParseJobMessage([]byte(`nope`))
	assert.Error(t, err)
}

func TestPool_AcksAndNacks(t *testing.T) {
	log, _ := test.NewNullLogger()
	acker := &fakeAcker{}

	var mu sync.Mutex
	var seen []string
	pool := Pool{
		Concurrency: 3,
		Log:         log,
		Handle: func(ctx context.Context, jobID string) error {
			mu.Lock()
			seen = append(seen, jobID)
			mu.Unlock()
			if jobID == "bad" {
				return errors.New("boom")
			}
			return nil
		},
	}

	deliveries := make(chan Delivery, 4)
	deliveries <- Delivery{Body: []byte(`{"job_id":"a"}`), Acker: acker}
	deliveries <- Delivery{Body: []byte(`{"job_id":"b"}`), Acker: acker}
	deliveries <- Delivery{Body: []byte(`{"job_id":"bad"}`), Acker: acker}
	deliveries <- Delivery{Body: []byte(`garbage`), Acker: acker}
	close(deliveries)

	pool.Run(context.Background(), deliveries)

	assert.ElementsMatch(t, []string{"a", "b", "bad"}, seen)
	assert.Equal(t, 2, acker.acked)
	assert.Equal(t, 2, acker.nacked)
}

func TestLogPublisher(t *testing.T) {
	log, hook := test.NewNullLogger()
	var p JobPublisher = LogPublisher{Log: log}
	require.NoError(t, p.PublishJob(context.Background(), "j1"))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "j1", hook.LastEntry().Data["job_id"])
	assert.NoError(t, p.Close())
}
