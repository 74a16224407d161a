package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var errEmptyJobID = errors.New("job message without job_id")

// JobHandler processes one job id. A returned error nacks the delivery
// without requeue so it lands in the DLQ.
type JobHandler func(ctx context.Context, jobID string) error

// Acker is the part of amqp.Delivery the pool needs.
type Acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type Delivery struct {
	Body  []byte
	Acker Acker
}

// Pool runs concurrency workers over deliveries until ctx is done or the
// delivery channel closes.
type Pool struct {
	Concurrency int
	Handle      JobHandler
	Log         logrus.FieldLogger
}

func (p Pool) Run(ctx context.Context, deliveries <-chan Delivery) {
	n := p.Concurrency
	if n <= 0 {
		n = 2
	}
	jobs := make(chan Delivery, n*2)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				p.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			p.Log.Info("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				p.Log.Warn("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}

func (p Pool) handle(ctx context.Context, workerID int, d Delivery) {
	log := p.Log.WithField("worker", workerID)
	m, err := ParseJobMessage(d.Body)
	if err != nil {
		log.WithError(err).Warn("bad message")
		_ = d.Acker.Nack(false, false)
		return
	}
	if err := p.Handle(ctx, m.JobID); err != nil {
		log.WithError(err).WithField("job_id", m.JobID).Warn("job failed")
		_ = d.Acker.Nack(false, false)
		return
	}
	if err := d.Acker.Ack(false); err != nil {
		log.WithError(err).WithField("job_id", m.JobID).Warn("ack failed")
	}
}

// Consume opens a channel on conn with prefetch=concurrency and adapts its
// deliveries for Pool.
func Consume(ctx context.Context, conn *amqp.Connection, queue string, concurrency int) (<-chan Delivery, func() error, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range msgs {
			select {
			case out <- Delivery{Body: d.Body, Acker: d}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, ch.Close, nil
}
