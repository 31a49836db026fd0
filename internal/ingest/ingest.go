package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
	"proctorguard/internal/normalize"
)

var ErrDuplicate = errors.New("duplicate event")

// Applier consumes normalized events; session.Manager satisfies it.
type Applier interface {
	Apply(ev model.InputEvent) error
}

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDropped   Outcome = "dropped"
)

type Stats struct {
	Accepted  int64 `json:"accepted"`
	Duplicate int64 `json:"duplicate"`
	Invalid   int64 `json:"invalid"`
	Rejected  int64 `json:"rejected"`
	Dropped   int64 `json:"dropped"`
}

// Processor validates, normalizes, deduplicates and applies events for every
// ingest source.
type Processor struct {
	cfg       *config.Manager
	applier   Applier
	validator *Validator
	dedupe    *DedupeCache
	logger    *slog.Logger
	observe   func(source string, outcome Outcome)
	now       func() time.Time

	accepted  atomic.Int64
	duplicate atomic.Int64
	invalid   atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
}

func NewProcessor(cfg *config.Manager, applier Applier, logger *slog.Logger) (*Processor, error) {
	p := &Processor{
		cfg:     cfg,
		applier: applier,
		dedupe:  NewDedupeCache(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cfg.Get().Ingest.ValidateSchema {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		p.validator = v
	}
	return p, nil
}

// OnOutcome registers a hook called once per processed event.
func (p *Processor) OnOutcome(fn func(source string, outcome Outcome)) {
	p.observe = fn
}

func (p *Processor) NewParser() *Parser {
	return NewParser(p.validator)
}

func (p *Processor) Stats() Stats {
	return Stats{
		Accepted:  p.accepted.Load(),
		Duplicate: p.duplicate.Load(),
		Invalid:   p.invalid.Load(),
		Rejected:  p.rejected.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Processor) record(source string, outcome Outcome) {
	switch outcome {
	case OutcomeAccepted:
		p.accepted.Add(1)
	case OutcomeDuplicate:
		p.duplicate.Add(1)
	case OutcomeInvalid:
		p.invalid.Add(1)
	case OutcomeRejected:
		p.rejected.Add(1)
	case OutcomeDropped:
		p.dropped.Add(1)
	}
	if p.observe != nil {
		p.observe(source, outcome)
	}
}

// DecodeMap validates a JSON object and normalizes it. sessionID, when set,
// overrides the session named in the object.
func (p *Processor) DecodeMap(obj map[string]any, sessionID, source string) (model.InputEvent, error) {
	if sessionID != "" {
		obj["session_id"] = sessionID
	}
	if err := p.validator.Validate(obj); err != nil {
		p.record(source, OutcomeInvalid)
		return model.InputEvent{}, err
	}
	return p.normalize(*ParseJSONMap(obj), source)
}

// DecodeLine parses one line with parser. A nil event with a nil error
// means the line carried no event.
func (p *Processor) DecodeLine(parser *Parser, line, source string) (*model.InputEvent, error) {
	fields, err := parser.ParseLine(line)
	if err != nil {
		p.record(source, OutcomeInvalid)
		return nil, err
	}
	if fields == nil {
		return nil, nil
	}
	ev, err := p.normalize(*fields, source)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (p *Processor) normalize(fields normalize.EventFields, source string) (model.InputEvent, error) {
	ev, err := normalize.Normalize(fields, p.cfg.Get())
	if err != nil {
		p.record(source, OutcomeInvalid)
		if p.logger != nil {
			p.logger.Warn("normalize error", "source", source, "err", err)
		}
		return model.InputEvent{}, err
	}
	ev.Source = source
	return ev, nil
}

// Process deduplicates ev and hands it to the applier.
func (p *Processor) Process(ev model.InputEvent) error {
	if ttl := p.cfg.Get().Ingest.DedupeWindow; ttl > 0 {
		if p.dedupe.Seen(FingerprintOf(ev), p.now(), ttl) {
			p.record(ev.Source, OutcomeDuplicate)
			return ErrDuplicate
		}
	}
	if err := p.applier.Apply(ev); err != nil {
		p.record(ev.Source, OutcomeRejected)
		if p.logger != nil {
			p.logger.Debug("event rejected", "session_id", ev.SessionID, "kind", ev.Kind, "source", ev.Source, "err", err)
		}
		return err
	}
	p.record(ev.Source, OutcomeAccepted)
	return nil
}

// Run applies events from in until ctx ends or in is closed. It is the
// single consumer for asynchronous sources so per-session order holds.
func (p *Processor) Run(ctx context.Context, in <-chan model.InputEvent) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			_ = p.Process(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) SendNonBlocking(ctx context.Context, out chan<- model.InputEvent, ev model.InputEvent) bool {
	if SendNonBlocking(ctx, out, ev, p.logger) {
		return true
	}
	p.record(ev.Source, OutcomeDropped)
	return false
}

func SendNonBlocking(ctx context.Context, out chan<- model.InputEvent, ev model.InputEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "session_id", ev.SessionID, "kind", ev.Kind)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
