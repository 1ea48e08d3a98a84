package provider

import "context"

// StaticProvider is a test double returning a fixed, pre-scripted sequence
// of Load results, one per call, so integration tests can drive successive
// refresh cycles deterministically without a real file or network
// collaborator.
type StaticProvider struct {
	name     string
	priority int64
	calls    []StaticCall
	index    int
}

// StaticCall is one scripted Load response.
type StaticCall struct {
	Adds    []Record
	Dels    []Deletion
	Version string
	Err     error
}

// NewStaticProvider returns a provider named name, using priority as its
// default, that replays calls in order, repeating the final call forever
// once exhausted.
func NewStaticProvider(name string, priority int64, calls ...StaticCall) *StaticProvider {
	return &StaticProvider{name: name, priority: priority, calls: calls}
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return p.name }

// DefaultPriority implements Provider.
func (p *StaticProvider) DefaultPriority() int64 { return p.priority }

// Load implements Provider.
func (p *StaticProvider) Load(ctx context.Context, lastVersion string) ([]Record, []Deletion, string, error) {
	if len(p.calls) == 0 {
		return nil, nil, lastVersion, nil
	}
	idx := p.index
	if idx >= len(p.calls) {
		idx = len(p.calls) - 1
	} else {
		p.index++
	}
	c := p.calls[idx]
	return c.Adds, c.Dels, c.Version, c.Err
}
