package hooks

import (
	"sync"

	"github.com/example/sysbus_sim/core"
)

// PluginCategory represents the high-level role of a plugin.
type PluginCategory string

const (
	// PluginCategoryCapability covers agent or controller behavioural extensions.
	PluginCategoryCapability PluginCategory = "capability"
	// PluginCategoryVisualization covers inspection and streaming plugins.
	PluginCategoryVisualization PluginCategory = "visualization"
	// PluginCategoryInstrumentation covers metrics, tracing, and diagnostics.
	PluginCategoryInstrumentation PluginCategory = "instrumentation"
)

// PluginDescriptor describes a plugin registered with the broker.
type PluginDescriptor struct {
	Name        string         `json:"name"`
	Category    PluginCategory `json:"category"`
	Description string         `json:"description,omitempty"`
}

// RequestContext carries one request lifecycle step.
type RequestContext struct {
	AgentID  int
	Cycle    int
	Slot     int
	Sequence uint64
	Address  uint64
	Command  core.SystemCommand
	// Latency is set on completion: cycles since submission.
	Latency int
}

// Event converts the context into a trace record.
func (c *RequestContext) Event(kind core.EventType) core.TraceEvent {
	return core.TraceEvent{
		AgentID:    c.AgentID,
		Cycle:      c.Cycle,
		Type:       kind,
		Slot:       c.Slot,
		RequestSeq: c.Sequence,
		Address:    c.Address,
		Command:    c.Command.String(),
		Latency:    c.Latency,
	}
}

// ProbeContext carries one probe queue step.
type ProbeContext struct {
	AgentID  int
	Cycle    int
	Slot     int
	Address  uint64
	Kind     core.MessageKind
	ProbeCmd core.ProbeCommand
	// Outcome names the classification once resolved (Miss1, Miss2, CacheHit, DataMovement).
	Outcome string
	// AgainstPending is set when the probe was resolved against an outstanding request.
	AgainstPending bool
}

// Event converts the context into a trace record.
func (c *ProbeContext) Event(kind core.EventType) core.TraceEvent {
	detail := c.Outcome
	if detail == "" {
		detail = c.Kind.String()
	}
	if c.AgainstPending {
		detail += " (pending request)"
	}
	return core.TraceEvent{
		AgentID: c.AgentID,
		Cycle:   c.Cycle,
		Type:    kind,
		Slot:    c.Slot,
		Address: c.Address,
		Command: c.ProbeCmd.String(),
		Detail:  detail,
	}
}

// ViolationContext reports a discarded message or a broken invariant.
type ViolationContext struct {
	AgentID int
	Cycle   int
	Err     error
}

// Event converts the context into a trace record.
func (c *ViolationContext) Event() core.TraceEvent {
	ev := core.TraceEvent{AgentID: c.AgentID, Cycle: c.Cycle, Type: core.EventViolation, Slot: -1}
	if c.Err != nil {
		ev.Detail = c.Err.Error()
	}
	return ev
}

// RequestHook observes a request lifecycle step.
type RequestHook func(ctx *RequestContext) error

// ProbeHook observes a probe queue step.
type ProbeHook func(ctx *ProbeContext) error

// ViolationHook observes protocol or consistency violations.
type ViolationHook func(ctx *ViolationContext) error

// HookBundle groups multiple hook handlers that belong to one plugin.
type HookBundle struct {
	Submitted     []RequestHook
	Dispatched    []RequestHook
	Completed     []RequestHook
	ProbeReceived []ProbeHook
	ProbeResolved []ProbeHook
	ResponseSent  []ProbeHook
	ProbeStale    []ProbeHook
	AckConsumed   []ProbeHook
	Violation     []ViolationHook
}

// PluginBroker coordinates hook registration and triggering.
type PluginBroker struct {
	mu sync.RWMutex

	submittedHooks     []RequestHook
	dispatchedHooks    []RequestHook
	completedHooks     []RequestHook
	probeReceivedHooks []ProbeHook
	probeResolvedHooks []ProbeHook
	responseSentHooks  []ProbeHook
	probeStaleHooks    []ProbeHook
	ackConsumedHooks   []ProbeHook
	violationHooks     []ViolationHook

	pluginCatalog map[PluginCategory][]PluginDescriptor
	pluginIndex   map[string]PluginDescriptor
}

// NewPluginBroker creates an empty broker instance.
func NewPluginBroker() *PluginBroker {
	return &PluginBroker{
		pluginCatalog: make(map[PluginCategory][]PluginDescriptor),
		pluginIndex:   make(map[string]PluginDescriptor),
	}
}

// RegisterSubmitted registers a hook run after a request enters the request queue.
func (p *PluginBroker) RegisterSubmitted(h RequestHook) {
	p.register(func() {
		p.submittedHooks = append(p.submittedHooks, h)
	}, h == nil)
}

// RegisterDispatched registers a hook run after a request is sent to the controller.
func (p *PluginBroker) RegisterDispatched(h RequestHook) {
	p.register(func() {
		p.dispatchedHooks = append(p.dispatchedHooks, h)
	}, h == nil)
}

// RegisterCompleted registers a hook run when a request retires.
func (p *PluginBroker) RegisterCompleted(h RequestHook) {
	p.register(func() {
		p.completedHooks = append(p.completedHooks, h)
	}, h == nil)
}

// RegisterProbeReceived registers a hook run when a controller message enters the probe queue.
func (p *PluginBroker) RegisterProbeReceived(h ProbeHook) {
	p.register(func() {
		p.probeReceivedHooks = append(p.probeReceivedHooks, h)
	}, h == nil)
}

// RegisterProbeResolved registers a hook run after a probe is classified.
func (p *PluginBroker) RegisterProbeResolved(h ProbeHook) {
	p.register(func() {
		p.probeResolvedHooks = append(p.probeResolvedHooks, h)
	}, h == nil)
}

// RegisterResponseSent registers a hook run after a probe response is transmitted.
func (p *PluginBroker) RegisterResponseSent(h ProbeHook) {
	p.register(func() {
		p.responseSentHooks = append(p.responseSentHooks, h)
	}, h == nil)
}

// RegisterProbeStale registers a hook run when a stale probe is dropped.
func (p *PluginBroker) RegisterProbeStale(h ProbeHook) {
	p.register(func() {
		p.probeStaleHooks = append(p.probeStaleHooks, h)
	}, h == nil)
}

// RegisterAckConsumed registers a hook run when an ack or response is consumed out of band.
func (p *PluginBroker) RegisterAckConsumed(h ProbeHook) {
	p.register(func() {
		p.ackConsumedHooks = append(p.ackConsumedHooks, h)
	}, h == nil)
}

// RegisterViolation registers a hook run on protocol and consistency violations.
func (p *PluginBroker) RegisterViolation(h ViolationHook) {
	p.register(func() {
		p.violationHooks = append(p.violationHooks, h)
	}, h == nil)
}

func (p *PluginBroker) register(add func(), skip bool) {
	if p == nil || skip {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	add()
}

// EmitSubmitted triggers submit hooks.
func (p *PluginBroker) EmitSubmitted(ctx *RequestContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.submittedHooks, ctx)
}

// EmitDispatched triggers dispatch hooks.
func (p *PluginBroker) EmitDispatched(ctx *RequestContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.dispatchedHooks, ctx)
}

// EmitCompleted triggers completion hooks.
func (p *PluginBroker) EmitCompleted(ctx *RequestContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.completedHooks, ctx)
}

// EmitProbeReceived triggers probe arrival hooks.
func (p *PluginBroker) EmitProbeReceived(ctx *ProbeContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.probeReceivedHooks, ctx)
}

// EmitProbeResolved triggers probe resolution hooks.
func (p *PluginBroker) EmitProbeResolved(ctx *ProbeContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.probeResolvedHooks, ctx)
}

// EmitResponseSent triggers probe response hooks.
func (p *PluginBroker) EmitResponseSent(ctx *ProbeContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.responseSentHooks, ctx)
}

// EmitProbeStale triggers stale probe hooks.
func (p *PluginBroker) EmitProbeStale(ctx *ProbeContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.probeStaleHooks, ctx)
}

// EmitAckConsumed triggers out-of-band consumption hooks.
func (p *PluginBroker) EmitAckConsumed(ctx *ProbeContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.ackConsumedHooks, ctx)
}

// EmitViolation triggers violation hooks.
func (p *PluginBroker) EmitViolation(ctx *ViolationContext) error {
	if p == nil || ctx == nil {
		return nil
	}
	return emit(&p.mu, &p.violationHooks, ctx)
}

// emit snapshots the handler list under the read lock and stops at the first error.
func emit[C any, H ~func(*C) error](mu *sync.RWMutex, hooks *[]H, ctx *C) error {
	mu.RLock()
	handlers := make([]H, len(*hooks))
	copy(handlers, *hooks)
	mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBundle registers a plugin descriptor together with all hook handlers.
func (p *PluginBroker) RegisterBundle(desc PluginDescriptor, bundle HookBundle) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.registerDescriptorLocked(desc)

	p.submittedHooks = append(p.submittedHooks, bundle.Submitted...)
	p.dispatchedHooks = append(p.dispatchedHooks, bundle.Dispatched...)
	p.completedHooks = append(p.completedHooks, bundle.Completed...)
	p.probeReceivedHooks = append(p.probeReceivedHooks, bundle.ProbeReceived...)
	p.probeResolvedHooks = append(p.probeResolvedHooks, bundle.ProbeResolved...)
	p.responseSentHooks = append(p.responseSentHooks, bundle.ResponseSent...)
	p.probeStaleHooks = append(p.probeStaleHooks, bundle.ProbeStale...)
	p.ackConsumedHooks = append(p.ackConsumedHooks, bundle.AckConsumed...)
	p.violationHooks = append(p.violationHooks, bundle.Violation...)
}

// RegisterPluginMetadata stores plugin metadata without registering hooks.
func (p *PluginBroker) RegisterPluginMetadata(desc PluginDescriptor) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerDescriptorLocked(desc)
}

// ListPlugins returns descriptors for plugins in the requested category.
func (p *PluginBroker) ListPlugins(category PluginCategory) []PluginDescriptor {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	catalog := p.pluginCatalog[category]
	if len(catalog) == 0 {
		return nil
	}
	out := make([]PluginDescriptor, len(catalog))
	copy(out, catalog)
	return out
}

// ListAllPlugins returns descriptors of every registered plugin.
func (p *PluginBroker) ListAllPlugins() []PluginDescriptor {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PluginDescriptor, 0, len(p.pluginIndex))
	for _, desc := range p.pluginIndex {
		out = append(out, desc)
	}
	return out
}

func (p *PluginBroker) registerDescriptorLocked(desc PluginDescriptor) {
	if desc.Name == "" {
		return
	}
	if _, exists := p.pluginIndex[desc.Name]; exists {
		return
	}
	p.pluginIndex[desc.Name] = desc
	category := desc.Category
	p.pluginCatalog[category] = append(p.pluginCatalog[category], desc)
}
