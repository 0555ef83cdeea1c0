package worker_test

import (
	"context"
	"errors"
	"sync"

	"ai-worker/internal/entity"
	"ai-worker/internal/service"
)

// ---- status repo ----

type reportCall struct {
	JobID     string
	Status    entity.JobStatus
	ResultURL string
	Error     string
}

type fakeRepo struct {
	mu    sync.Mutex
	calls []reportCall

	// failOn makes the repo return an error for that status.
	failOn map[entity.JobStatus]bool
}

func (r *fakeRepo) record(c reportCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if r.failOn[c.Status] {
		return errors.New("tracking api unavailable")
	}
	return nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, jobID string, status entity.JobStatus) error {
	return r.record(reportCall{JobID: jobID, Status: status})
}

func (r *fakeRepo) SetResultDone(ctx context.Context, jobID string, resultURL string) error {
	return r.record(reportCall{JobID: jobID, Status: entity.StatusSucceeded, ResultURL: resultURL})
}

func (r *fakeRepo) SetResultError(ctx context.Context, jobID string, errText string) error {
	return r.record(reportCall{JobID: jobID, Status: entity.StatusFailed, Error: errText})
}

func (r *fakeRepo) Calls() []reportCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportCall(nil), r.calls...)
}

// ---- stages ----

type stageLog struct {
	mu     sync.Mutex
	events []string
}

func (l *stageLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *stageLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type recTranscriber struct {
	log  *stageLog
	text string
}

func (t recTranscriber) Transcribe(ctx context.Context, filePath, lang string) (string, error) {
	t.log.add("transcribe:" + filePath + ":" + lang)
	return t.text, nil
}

type recTranslator struct {
	log *stageLog
}

func (t recTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	t.log.add("translate:" + text + ":" + sourceLang + ">" + targetLang)
	return "T(" + text + ")", nil
}

type recSynthesizer struct {
	log *stageLog
	err error
}

func (s recSynthesizer) Synthesize(ctx context.Context, text, lang, outputPath string) (string, error) {
	s.log.add("synthesize:" + text + ":" + lang + ":" + outputPath)
	if s.err != nil {
		return "", s.err
	}
	return outputPath, nil
}

type panickingTranslator struct{}

func (panickingTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	panic("model exploded")
}

type fakeReplicator struct {
	paths []string
	err   error
}

func (r *fakeReplicator) Replicate(ctx context.Context, localPath string) error {
	r.paths = append(r.paths, localPath)
	return r.err
}

// ---- queue side ----

type ackCounter struct {
	mu    sync.Mutex
	acks  map[string]int
	order []string
}

func newAckCounter() *ackCounter {
	return &ackCounter{acks: map[string]int{}}
}

func (a *ackCounter) delivery(id string, body string) service.Delivery {
	return service.NewDelivery([]byte(body), id, func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.acks[id]++
		a.order = append(a.order, "ack:"+id)
		return nil
	})
}

func (a *ackCounter) Count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks[id]
}

type runnerFunc func(ctx context.Context, job entity.JobDescriptor) error

func (f runnerFunc) Process(ctx context.Context, job entity.JobDescriptor) error {
	return f(ctx, job)
}

type fakePoison struct {
	mu   sync.Mutex
	msgs []entity.PoisonMessage
}

func (p *fakePoison) Record(ctx context.Context, msg entity.PoisonMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

// fakeQueue implements service.Queue.
type fakeQueue struct {
	mu         sync.Mutex
	connectErr error
	consumeErr error
	deliveries chan service.Delivery
	cancels    int
	closes     int
	order      *[]string
}

func (q *fakeQueue) Connect(ctx context.Context) error {
	return q.connectErr
}

func (q *fakeQueue) Consume(ctx context.Context) (<-chan service.Delivery, error) {
	if q.consumeErr != nil {
		return nil, q.consumeErr
	}
	return q.deliveries, nil
}

func (q *fakeQueue) Cancel() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancels++
	return nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closes++
	if q.order != nil {
		*q.order = append(*q.order, "queue")
	}
	return nil
}

func (q *fakeQueue) Closes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closes
}

type namedCloser struct {
	name  string
	order *[]string
	err   error
	calls int
}

func (c *namedCloser) Close() error {
	c.calls++
	*c.order = append(*c.order, c.name)
	return c.err
}
