// Package fixed is a protocol that cycles through a configured sequence of
// trials with a constant inter-trial interval.
package fixed

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/trialrig/internal/config"
	"github.com/banshee-data/trialrig/internal/monitor"
	"github.com/banshee-data/trialrig/internal/monitoring"
)

// ErrFinished is returned once MaxTrials trials have been handed out.
var ErrFinished = errors.New("protocol finished")

// Summary is the protocol's running tally.
type Summary struct {
	Name         string         `json:"name"`
	Trials       int            `json:"trials"`
	Events       int            `json:"events"`
	StreamFrames int            `json:"stream_frames"`
	LastTrial    int            `json:"last_trial"`
	LastEvent    map[string]any `json:"last_event,omitempty"`
}

// Protocol implements monitor.ProtocolCallback.
type Protocol struct {
	cfg  *config.ProtocolConfig
	defs monitor.Definitions
	iti  time.Duration
	logf monitoring.LogFunc

	mu      sync.Mutex
	summary Summary
}

var _ monitor.ProtocolCallback = (*Protocol)(nil)

// New validates cfg and builds the protocol.
func New(cfg *config.ProtocolConfig) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := cfg.ControllerLayout()
	if err != nil {
		return nil, err
	}
	protocolFields, err := cfg.ProtocolFieldSpecs()
	if err != nil {
		return nil, err
	}
	events, err := cfg.EventFieldSpecs()
	if err != nil {
		return nil, err
	}
	streamFields, err := cfg.StreamFieldSpecs()
	if err != nil {
		return nil, err
	}
	channels, err := cfg.ChannelSpecs()
	if err != nil {
		return nil, err
	}
	return &Protocol{
		cfg: cfg,
		defs: monitor.Definitions{
			ProtocolParams:   protocolFields,
			ControllerParams: layout,
			Events:           events,
			StreamFields:     streamFields,
			Channels:         channels,
		},
		iti:     cfg.GetInterTrialInterval(),
		logf:    monitoring.Prefixed("[" + cfg.Name + "] "),
		summary: Summary{Name: cfg.Name},
	}, nil
}

func (p *Protocol) Definitions() monitor.Definitions { return p.defs }

// NextTrialParameters returns entry n-1 of the sequence, wrapping around.
func (p *Protocol) NextTrialParameters(n int) (monitor.TrialParameters, error) {
	if p.cfg.MaxTrials > 0 && n > p.cfg.MaxTrials {
		return monitor.TrialParameters{}, fmt.Errorf("%w after %d trials", ErrFinished, p.cfg.MaxTrials)
	}
	ctrl, err := p.cfg.TrialParameters(n-1, n)
	if err != nil {
		return monitor.TrialParameters{}, err
	}
	entry := p.cfg.Trials[(n-1)%len(p.cfg.Trials)]
	params := make(map[string]any, len(entry.Protocol))
	for k, v := range entry.Protocol {
		params[k] = v
	}
	return monitor.TrialParameters{Protocol: params, Controller: ctrl}, nil
}

func (p *Protocol) OnTrialStart(n int) {
	p.mu.Lock()
	p.summary.Trials++
	p.summary.LastTrial = n
	p.mu.Unlock()
	p.logf("trial %d started", n)
}

// OnEvent records the event and returns the configured interval.
func (p *Protocol) OnEvent(event map[string]any) time.Duration {
	p.mu.Lock()
	p.summary.Events++
	p.summary.LastEvent = event
	n := p.summary.LastTrial
	p.mu.Unlock()
	p.logf("trial %d event %v", n, event)
	return p.iti
}

func (p *Protocol) OnStream(map[string]any) {
	p.mu.Lock()
	p.summary.StreamFrames++
	p.mu.Unlock()
}

func (p *Protocol) OnTrialEnd() {}

// Summary returns a copy of the running tally.
func (p *Protocol) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}
