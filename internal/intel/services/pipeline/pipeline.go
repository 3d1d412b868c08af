// Package pipeline classifies DNS query events: dedup, reputation lookup,
// bloom pre-filter and remote classification, then list updates and alarms.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haukened/rr-intel/internal/intel/common/clock"
	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/common/utils"
	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/repos/bloom"
	"github.com/haukened/rr-intel/internal/intel/repos/dedup"
	"github.com/haukened/rr-intel/internal/intel/services/policy"
)

const (
	// DefaultOracleTimeout bounds one remote classification.
	DefaultOracleTimeout = 5 * time.Second
	// DefaultWorkers is the number of events classified concurrently by Run.
	DefaultWorkers = 4
	// DefaultQueueSize is the number of events buffered ahead of the workers.
	DefaultQueueSize = 1024
)

// Options wires a Pipeline. Dedup, Bloom, Reputation and Oracle are required.
type Options struct {
	Dedup      dedup.Window
	Bloom      bloom.Store
	Reputation Reputation
	Oracle     Oracle

	// Optional collaborators. A nil Devices disables alarms; a nil Policy
	// enables everything.
	Devices Devices
	Policy  PolicyResolver
	Alarms  AlarmQueue
	Geo     Geo
	Metrics Recorder

	// TrustedDomains are trusted in addition to the store's list.
	TrustedDomains []string
	// BloomDir is where this service writes filter data; events naming a
	// filter elsewhere belong to another consumer and are ignored.
	BloomDir string

	OracleTimeout time.Duration
	Workers       int
	QueueSize     int
	Clock         clock.Clock
	Logger        log.Logger
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	opts   Options
	logger log.Logger
	queue  chan domain.QueryEvent

	mu      sync.Mutex
	running bool
}

// New validates opts and returns a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Dedup == nil:
		return nil, errors.New("pipeline: nil dedup window")
	case opts.Bloom == nil:
		return nil, errors.New("pipeline: nil bloom store")
	case opts.Reputation == nil:
		return nil, errors.New("pipeline: nil reputation cache")
	case opts.Oracle == nil:
		return nil, errors.New("pipeline: nil oracle")
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = DefaultOracleTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	trusted := make([]string, 0, len(opts.TrustedDomains))
	for _, d := range opts.TrustedDomains {
		if c := utils.CanonicalDNSName(d); c != "" {
			trusted = append(trusted, c)
		}
	}
	opts.TrustedDomains = trusted
	return &Pipeline{
		opts:   opts,
		logger: log.Component(opts.Logger, "pipeline"),
		queue:  make(chan domain.QueryEvent, opts.QueueSize),
	}, nil
}

// HandleEvent queues ev for the workers started by Run. Events are dropped
// when the queue is full so the caller never blocks.
func (p *Pipeline) HandleEvent(_ context.Context, ev domain.QueryEvent) {
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn(map[string]any{"domain": ev.Domain}, "event queue full, dropping query")
	}
}

// HandleMessage decodes a JSON query event published on the event channel.
func (p *Pipeline) HandleMessage(ctx context.Context, payload string) {
	var ev domain.QueryEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		p.logger.Warn(map[string]any{"error": err}, "dropping malformed query event")
		return
	}
	p.HandleEvent(ctx, ev)
}

// Run classifies queued events until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pipeline: already running")
	}
	p.running = true
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-p.queue:
					p.Process(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

// Process classifies one event synchronously and returns what happened.
func (p *Pipeline) Process(ctx context.Context, ev domain.QueryEvent) domain.Outcome {
	out := p.process(ctx, ev)
	if p.opts.Metrics != nil {
		p.opts.Metrics.ObserveOutcome(out)
	}
	p.logger.Debug(map[string]any{
		"domain":  out.Domain,
		"stage":   out.Stage.String(),
		"verdict": out.Verdict.String(),
		"alarmed": out.Alarmed,
	}, "query classified")
	return out
}

func (p *Pipeline) process(ctx context.Context, ev domain.QueryEvent) domain.Outcome {
	name := utils.CanonicalDNSName(ev.Domain)
	out := domain.Outcome{Domain: name, Stage: domain.StageIgnored}
	if !utils.IsValidDomain(name) || p.foreignFilter(ev.BFPath) {
		return out
	}

	// repeats inside the window skip the identity and policy reads
	if p.opts.Dedup.Recent(name) {
		out.Stage = domain.StageSkipped
		return out
	}

	device := p.resolveDevice(ctx, ev)
	settings := p.settings(ctx, device)
	if !settings.Enabled {
		return out
	}

	if p.opts.Dedup.Seen(name) {
		out.Stage = domain.StageSkipped
		return out
	}

	if rec, ok := p.opts.Reputation.Lookup(ctx, name); ok {
		out.Stage = domain.StageCacheHit
		p.decide(ctx, &out, ev, device, settings, *rec)
		return out
	}

	if !ev.HasBloomMatch() && !p.bloomMatch(name) {
		out.Stage = domain.StageBloomNegative
		return out
	}

	octx, cancel := context.WithTimeout(ctx, p.opts.OracleTimeout)
	recs, err := p.opts.Oracle.Check(octx, name)
	cancel()
	if errors.Is(err, domain.ErrNoValidRecords) {
		// an answer that cannot be used is not a clean miss; write nothing and
		// let the dedup window hold off a repeat call
		p.logger.Warn(map[string]any{"domain": name, "error": err}, "remote classification unusable")
		out.Stage = domain.StageRemoteLookup
		return out
	}
	if err != nil {
		// leave the domain unresolved so the next query retries
		p.opts.Dedup.Forget(name)
		p.logger.Warn(map[string]any{"domain": name, "error": err}, "remote classification failed")
		out.Stage = domain.StageFailed
		return out
	}
	out.Stage = domain.StageRemoteLookup

	if len(recs) == 0 {
		p.markGood(ctx, name)
		out.Verdict = domain.VerdictAllow
		return out
	}

	domain.SortBySpecificity(recs)
	p.opts.Reputation.Persist(ctx, recs)
	rec, ok := domain.MostSpecific(recs, name)
	if !ok {
		// nothing returned applies to the query itself
		p.opts.Reputation.Persist(ctx, []domain.IntelRecord{domain.GoodRecord(name, p.opts.Reputation.DefaultExpiry())})
		p.opts.Reputation.Decide(ctx, name, domain.VerdictAllow)
		out.Verdict = domain.VerdictAllow
		return out
	}
	p.decide(ctx, &out, ev, device, settings, rec)
	return out
}

// markGood records an empty classification: every suffix down to the
// registrable domain is good, but only the literal query is passed through.
func (p *Pipeline) markGood(ctx context.Context, name string) {
	exp := p.opts.Reputation.DefaultExpiry()
	subs := utils.SubDomains(name)
	recs := make([]domain.IntelRecord, 0, len(subs))
	for _, s := range subs {
		recs = append(recs, domain.GoodRecord(s, exp))
	}
	p.opts.Reputation.Persist(ctx, recs)
	p.opts.Reputation.Decide(ctx, name, domain.VerdictAllow)
}

// decide applies rec to the query name: intel blocks and alarms unless
// trusted, anything else passes through.
func (p *Pipeline) decide(ctx context.Context, out *domain.Outcome, ev domain.QueryEvent, device *domain.Device, settings policy.Settings, rec domain.IntelRecord) {
	r := rec
	out.Record = &r
	if !rec.IsIntel() {
		out.Verdict = domain.VerdictAllow
		p.opts.Reputation.Decide(ctx, out.Domain, out.Verdict)
		return
	}
	if p.trusted(ctx, out.Domain) {
		out.Trusted = true
		out.Verdict = domain.VerdictAllow
		p.opts.Reputation.Decide(ctx, out.Domain, out.Verdict)
		return
	}
	out.Verdict = domain.VerdictBlock
	p.opts.Reputation.Decide(ctx, out.Domain, out.Verdict)
	if settings.Alarm {
		out.Alarmed = p.alarm(ctx, ev, device, out.Domain, rec)
	}
}

func (p *Pipeline) alarm(ctx context.Context, ev domain.QueryEvent, device *domain.Device, query string, rec domain.IntelRecord) bool {
	if p.opts.Alarms == nil {
		return false
	}
	if device == nil {
		p.logger.Debug(map[string]any{"domain": query}, "no client identity, alarm skipped")
		return false
	}
	a := domain.Alarm{
		Type:        domain.AlarmTypeIntel,
		Device:      *device,
		Domain:      rec.Domain,
		QueryDomain: query,
		Category:    rec.Category,
		Reason:      rec.Reason,
		Timestamp:   p.opts.Clock.Now(),
	}
	if p.opts.Geo != nil {
		ip := ev.SourceIP()
		if ip == "" {
			ip = device.IP
		}
		a.Country = p.opts.Geo.Country(ip)
	}
	pushed, err := p.opts.Alarms.Enqueue(ctx, a)
	if err != nil {
		p.logger.Error(map[string]any{"domain": rec.Domain, "device": device.ID, "error": err}, "failed to enqueue intel alarm")
		return false
	}
	if pushed {
		p.logger.Info(map[string]any{"domain": rec.Domain, "query": query, "device": device.ID}, "intel alarm raised")
	}
	return pushed
}

// resolveDevice finds the querying client by MAC, then by IP, and falls back
// to an IP pseudo-identity. Returns nil when the event carries neither.
func (p *Pipeline) resolveDevice(ctx context.Context, ev domain.QueryEvent) *domain.Device {
	mac := ev.NormalizedMAC()
	ip := ev.SourceIP()
	if mac == "" && ip == "" {
		return nil
	}
	if p.opts.Devices != nil {
		if mac == "" {
			found, err := p.opts.Devices.MACByIP(ctx, ip)
			if err != nil {
				p.logger.Warn(map[string]any{"ip": ip, "error": err}, "mac lookup failed")
			}
			mac = found
		}
		if mac != "" {
			d, err := p.opts.Devices.DeviceByMAC(ctx, mac)
			if err != nil {
				p.logger.Warn(map[string]any{"mac": mac, "error": err}, "device lookup failed")
			}
			if d != nil {
				return d
			}
		}
	}
	if ip == "" {
		return &domain.Device{ID: mac, MAC: mac, Name: mac}
	}
	d := domain.PseudoDevice(ip)
	return &d
}

func (p *Pipeline) settings(ctx context.Context, device *domain.Device) policy.Settings {
	if p.opts.Policy == nil {
		return policy.Settings{Enabled: true, Alarm: true}
	}
	if device == nil {
		return p.opts.Policy.Resolve(ctx, domain.GlobalTarget())
	}
	return p.opts.Policy.Resolve(ctx, domain.TargetsFor(*device)...)
}

// bloomMatch reports whether name or any of its suffixes may be in a loaded
// filter. With no filters loaded every name passes.
func (p *Pipeline) bloomMatch(name string) bool {
	if len(p.opts.Bloom.Prefixes()) == 0 {
		return true
	}
	for _, s := range utils.SubDomains(name) {
		if p.opts.Bloom.TestAny(s) {
			return true
		}
	}
	return false
}

func (p *Pipeline) foreignFilter(bfPath string) bool {
	if bfPath == "" || p.opts.BloomDir == "" {
		return false
	}
	return filepath.Clean(filepath.Dir(bfPath)) != filepath.Clean(p.opts.BloomDir)
}

func (p *Pipeline) trusted(ctx context.Context, name string) bool {
	trusted := p.opts.TrustedDomains
	if p.opts.Devices != nil {
		extra, err := p.opts.Devices.TrustedDomains(ctx)
		if err != nil {
			p.logger.Warn(map[string]any{"error": err}, "trusted domain list unavailable")
		}
		trusted = append(append([]string(nil), trusted...), extra...)
	}
	for _, t := range trusted {
		if utils.IsSubdomainOf(name, strings.TrimPrefix(t, "*.")) {
			return true
		}
	}
	return false
}
