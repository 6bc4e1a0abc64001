package training

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Record is one metrics datapoint pushed after a training step or an
// evaluation pass.
type Record struct {
	Step         int          `json:"step"`
	CleanLoss    float64      `json:"clean_loss"`
	PoisonedLoss float64      `json:"poisoned_loss"`
	TotalLoss    float64      `json:"total_loss"`
	LossWeight   float64      `json:"loss_weight"`
	LearningRate float64      `json:"learning_rate"`
	Eval         *EvalSummary `json:"eval,omitempty"`
}

// Sink receives metrics records. Pushes are fire-and-forget: a sink must
// never block the training step and must swallow its own failures.
type Sink interface {
	Push(rec Record)
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Push(Record) {}

// LogSink writes each record to the structured log.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Push(rec Record) {
	args := []any{
		"step", rec.Step,
		"clean_loss", rec.CleanLoss,
		"poisoned_loss", rec.PoisonedLoss,
		"total_loss", rec.TotalLoss,
		"loss_weight", rec.LossWeight,
		"learning_rate", rec.LearningRate,
	}
	if rec.Eval != nil {
		args = append(args,
			"eval_samples", rec.Eval.Samples,
			"eval_mean_trigger_sim", rec.Eval.MeanTriggerSimilarity,
			"eval_mean_utility_sim", rec.Eval.MeanUtilitySimilarity,
		)
	}
	s.log.Info("training metrics", args...)
}

// MultiSink fans a record out to several sinks.
type MultiSink []Sink

func (m MultiSink) Push(rec Record) {
	for _, s := range m {
		s.Push(rec)
	}
}

// HTTPSink POSTs records as JSON to an experiment-tracking endpoint. Pushes
// are queued onto a bounded channel drained by a single background sender;
// when the queue is full the record is dropped with a debug log rather than
// blocking the training step. Delivery failures are logged and ignored.
type HTTPSink struct {
	url    string
	client *http.Client
	queue  chan Record
	done   chan struct{}
	log    *slog.Logger
}

// NewHTTPSink creates an HTTP metrics sink and starts its sender.
func NewHTTPSink(url string, log *slog.Logger) *HTTPSink {
	if log == nil {
		log = slog.Default()
	}
	s := &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		queue:  make(chan Record, 64),
		done:   make(chan struct{}),
		log:    log,
	}
	go s.sender()
	return s
}

func (s *HTTPSink) Push(rec Record) {
	select {
	case s.queue <- rec:
	default:
		s.log.Debug("metrics queue full, dropping record", "step", rec.Step)
	}
}

// Close stops the sender after draining queued records.
func (s *HTTPSink) Close() {
	close(s.queue)
	<-s.done
}

func (s *HTTPSink) sender() {
	defer close(s.done)
	for rec := range s.queue {
		s.send(rec)
	}
}

func (s *HTTPSink) send(rec Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		s.log.Debug("failed to encode metrics record", "error", err)
		return
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.log.Debug("failed to push metrics record", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		s.log.Debug("metrics endpoint rejected record", "status", resp.StatusCode)
	}
}
