// Package policy implements the notification policy: nudge gating,
// cooldowns, per-state dedupe, dismiss-backoff, and a do-not-disturb queue
// (spec.md §4.E). It owns all cooldown/queue state exclusively.
package policy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskcoach/deskcoach/internal/config"
	"github.com/deskcoach/deskcoach/pkg/posture"
)

// ConfigFromPolicyConfig adapts the config package's JSON-backed
// PolicyConfig into this package's Config, keeping policy.Config free of a
// hard import dependency on the config schema's field tags.
func ConfigFromPolicyConfig(pc config.PolicyConfig) Config {
	return Config{
		CooldownDoneSec:              pc.CooldownDoneSec,
		CooldownSnoozeSec:            pc.CooldownSnoozeSec,
		ActiveNotificationTimeoutSec: pc.ActiveNotificationTimeoutSec,
		DedupeWindowSec:              pc.DedupeWindowSec,
		HighSeverityBypassDedupe:     pc.HighSeverityBypassDedupe,
		DismissBackoffDurationSec:    pc.DismissBackoffDurationSec,
		DismissBackoffDeltaDeg:       pc.DismissBackoffDeltaDeg,
		DismissBackoffDeltaCM:        pc.DismissBackoffDeltaCM,
		RespectDND:                   pc.RespectDND,
		DNDQueueExpirySec:            pc.DNDQueueExpirySec,
	}
}

// GateResult names which gate, if any, suppressed a candidate nudge.
type GateResult string

const (
	GatePass                  GateResult = ""
	GateCooldown               GateResult = "cooldown"
	GateSnooze                 GateResult = "snooze"
	GateActiveNotification     GateResult = "active_notification"
	GateDedupe                 GateResult = "dedupe"
	GateBelowBackoffThreshold  GateResult = "below_backoff_threshold"
)

// Action is a user response to a delivered notification.
type Action string

const (
	ActionDone    Action = "done"
	ActionSnooze  Action = "snooze"
	ActionDismiss Action = "dismiss"
)

// Notifier is the consumed OS notification delivery primitive (spec.md §1,
// §6 — out of scope beyond its interface). Grounded on the teacher's Sender
// interface: a single Notify method, substitutable with a dry-run
// implementation for tests.
type Notifier interface {
	Notify(title, message string, actionLabels []string) error
}

// DNDQuery is the consumed OS do-not-disturb query primitive.
type DNDQuery interface {
	IsActive() (bool, error)
}

// NoopNotifier is a dry-run Notifier used in tests and for --dry-run modes.
type NoopNotifier struct {
	mu  sync.Mutex
	log []string
}

// Notify records the call instead of delivering it.
func (n *NoopNotifier) Notify(title, message string, actionLabels []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = append(n.log, fmt.Sprintf("%s: %s", title, message))
	return nil
}

// Log returns every recorded notification, in order.
func (n *NoopNotifier) Log() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.log))
	copy(out, n.log)
	return out
}

// StaticDND is a fixed-answer DNDQuery used in tests.
type StaticDND struct {
	Active bool
}

// IsActive returns the fixed configured value.
func (s StaticDND) IsActive() (bool, error) { return s.Active, nil }

// QueueEntry is one DND-deferred nudge (spec.md §3).
type QueueEntry struct {
	ID          string
	Transition  posture.Transition
	EnqueuedAt  time.Time
	ExpiresAt   time.Time
}

// EventKind enumerates the event-log record kinds this policy emits
// (spec.md §3).
type EventKind string

const (
	EventNudged            EventKind = "nudged"
	EventSuppressed        EventKind = "suppressed"
	EventActionDone        EventKind = "action_done"
	EventActionSnooze      EventKind = "action_snooze"
	EventActionDismiss     EventKind = "action_dismiss"
	EventQueuedUnderDND    EventKind = "queued_under_dnd"
	EventExpiredUnderDND   EventKind = "expired_under_dnd"
	EventDeliveredAfterDND EventKind = "delivered_after_dnd"
)

// Event is a single notification-policy decision, ready to be appended to
// the event log (spec.md §3 "Event record").
type Event struct {
	Ts       time.Time
	Kind     EventKind
	State    posture.PostureState
	Reason   string
	Metadata map[string]string
}

// Config holds the policy's tunable timers (mirrors config.PolicyConfig,
// kept decoupled from the config package so this package has no import
// dependency on internal/config).
type Config struct {
	CooldownDoneSec              float64
	CooldownSnoozeSec            float64
	ActiveNotificationTimeoutSec float64
	DedupeWindowSec              float64
	HighSeverityBypassDedupe     bool
	DismissBackoffDurationSec    float64
	DismissBackoffDeltaDeg       float64
	DismissBackoffDeltaCM        float64
	RespectDND                   bool
	DNDQueueExpirySec            float64
}

// Policy evaluates posture state transitions against the gate pipeline and
// tracks all timer/queue state. Wholly in-memory; reset at startup
// (spec.md §3).
type Policy struct {
	mu sync.Mutex

	cfg Config

	cooldownUntil      time.Time
	snoozeUntil        time.Time
	dismissBackoffUntil time.Time
	activeNotificationAt time.Time
	lastNudgeAt        map[posture.PostureState]time.Time

	dndQueue map[posture.PostureState]QueueEntry

	notifier Notifier
	dnd      DNDQuery
}

// New creates a Policy with the given configuration and collaborators.
func New(cfg Config, notifier Notifier, dnd DNDQuery) *Policy {
	return &Policy{
		cfg:        cfg,
		lastNudgeAt: make(map[posture.PostureState]time.Time),
		dndQueue:   make(map[posture.PostureState]QueueEntry),
		notifier:   notifier,
		dnd:        dnd,
	}
}

// SetConfig hot-swaps the policy's tunables; future decisions use the new
// values immediately (spec.md §4.E: "Configuration is hot-reloadable;
// changes take effect on the next decision").
func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Evaluate runs the gate pipeline for a state transition into an issue
// state at time now, returning the resulting event. Only issue-state
// entries are meaningful candidates; callers should not call Evaluate for
// a transition into GOOD or PAUSED.
func (p *Policy) Evaluate(tr posture.Transition, now time.Time) Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gate := p.firstFailingGate(tr, now); gate != GatePass {
		return p.suppressedLocked(tr, now, gate)
	}

	active, err := p.dnd.IsActive()
	if err != nil {
		active = false
	}

	if active && p.cfg.RespectDND {
		return p.enqueueLocked(tr, now)
	}

	return p.deliverLocked(tr, now, EventNudged, nil)
}

// firstFailingGate runs the five ordered gates and returns the first one
// that fails, or GatePass if the candidate clears all of them (spec.md
// §4.E, evaluated under p.mu).
func (p *Policy) firstFailingGate(tr posture.Transition, now time.Time) GateResult {
	if now.Before(p.cooldownUntil) {
		return GateCooldown
	}
	if now.Before(p.snoozeUntil) {
		return GateSnooze
	}
	if !p.activeNotificationAt.IsZero() && now.Sub(p.activeNotificationAt).Seconds() < p.cfg.ActiveNotificationTimeoutSec {
		return GateActiveNotification
	}

	last, seen := p.lastNudgeAt[tr.To]
	if seen && now.Sub(last).Seconds() < p.cfg.DedupeWindowSec {
		if !(p.cfg.HighSeverityBypassDedupe && tr.Path == posture.PathHighSeverity) {
			return GateDedupe
		}
	}

	if now.Before(p.dismissBackoffUntil) {
		if !p.metricClearsBackoffThreshold(tr) {
			return GateBelowBackoffThreshold
		}
	}

	return GatePass
}

// metricClearsBackoffThreshold re-checks the transition's own reported
// metric against the threshold that fired it (spec.md §4.E gate 5: "if the
// transition's current metric is below the elevated threshold, suppress").
// The state machine accumulates its condition windows against the raised
// threshold for the duration of a backoff (spec.md §4.D), but the window
// can satisfy majority/cumulative on older samples while the latest
// reported sample has already dipped back down; this gate catches that case
// independent of the window math.
func (p *Policy) metricClearsBackoffThreshold(tr posture.Transition) bool {
	return channelMetricValue(tr) >= tr.Threshold
}

// channelMetricValue returns the transition's snapshot metric for the
// channel tr.To belongs to, in that channel's native unit.
func channelMetricValue(tr posture.Transition) float64 {
	switch tr.To {
	case posture.StateSlouch:
		return tr.Snapshot.NeckDeg
	case posture.StateForwardLean:
		return tr.Snapshot.TorsoDeg
	case posture.StateLateralLean:
		return math.Abs(tr.Snapshot.Lateral)
	default:
		return 0
	}
}

func (p *Policy) suppressedLocked(tr posture.Transition, now time.Time, gate GateResult) Event {
	reason := string(gate)
	if gate == GateSnooze {
		remaining := p.snoozeUntil.Sub(now)
		reason = fmt.Sprintf("snooze (%.1fm remaining)", remaining.Minutes())
	}
	return Event{Ts: now, Kind: EventSuppressed, State: tr.To, Reason: reason}
}

func (p *Policy) deliverLocked(tr posture.Transition, now time.Time, kind EventKind, meta map[string]string) Event {
	title := fmt.Sprintf("Posture: %s", tr.To)
	_ = p.notifier.Notify(title, tr.Reason, []string{"Done", "Snooze", "Dismiss"})

	p.lastNudgeAt[tr.To] = now
	p.activeNotificationAt = now

	return Event{Ts: now, Kind: kind, State: tr.To, Reason: tr.Reason, Metadata: meta}
}

func (p *Policy) enqueueLocked(tr posture.Transition, now time.Time) Event {
	entry := QueueEntry{
		ID:         uuid.NewString(),
		Transition: tr,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(time.Duration(p.cfg.DNDQueueExpirySec * float64(time.Second))),
	}
	// Only one queued item per state is retained; a new arrival overwrites
	// and refreshes expiry (spec.md §4.E).
	p.dndQueue[tr.To] = entry

	return Event{Ts: now, Kind: EventQueuedUnderDND, State: tr.To, Reason: tr.Reason}
}

// ServiceQueue drains the DND queue at now: expired entries are dropped and
// logged; if DND is now off, eligible entries are delivered (re-checked
// against the current gates) and logged (spec.md §4.E).
func (p *Policy) ServiceQueue(now time.Time) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var events []Event

	active, err := p.dnd.IsActive()
	if err != nil {
		active = false
	}

	for state, entry := range p.dndQueue {
		if now.After(entry.ExpiresAt) || now.Equal(entry.ExpiresAt) {
			delete(p.dndQueue, state)
			events = append(events, Event{
				Ts: now, Kind: EventExpiredUnderDND, State: state,
				Metadata: map[string]string{"queued_duration_sec": fmt.Sprintf("%.0f", now.Sub(entry.EnqueuedAt).Seconds())},
			})
			continue
		}
		if active {
			continue
		}
		if gate := p.firstFailingGate(entry.Transition, now); gate != GatePass {
			continue
		}
		delete(p.dndQueue, state)
		ev := p.deliverLocked(entry.Transition, now, EventDeliveredAfterDND, map[string]string{
			"queued_duration_sec": fmt.Sprintf("%.0f", now.Sub(entry.EnqueuedAt).Seconds()),
		})
		events = append(events, ev)
	}

	return events
}

// Done records a Done action at now: opens the global cooldown and clears
// the active-notification lock (spec.md §4.E).
func (p *Policy) Done(now time.Time) Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldownUntil = now.Add(time.Duration(p.cfg.CooldownDoneSec * float64(time.Second)))
	p.activeNotificationAt = time.Time{}
	return Event{Ts: now, Kind: EventActionDone}
}

// Snooze records a Snooze action at now.
func (p *Policy) Snooze(now time.Time) Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snoozeUntil = now.Add(time.Duration(p.cfg.CooldownSnoozeSec * float64(time.Second)))
	p.activeNotificationAt = time.Time{}
	return Event{Ts: now, Kind: EventActionSnooze}
}

// Dismiss records a Dismiss action at now and arms the dismiss-backoff
// window with the configured per-channel deltas.
func (p *Policy) Dismiss(now time.Time) Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dismissBackoffUntil = now.Add(time.Duration(p.cfg.DismissBackoffDurationSec * float64(time.Second)))
	p.activeNotificationAt = time.Time{}
	return Event{Ts: now, Kind: EventActionDismiss}
}

// DismissBackoffActive reports whether a dismiss-backoff window is
// currently in force, and its configured per-channel deltas — the state
// machine consults this to raise effective thresholds (spec.md §4.D).
func (p *Policy) DismissBackoffActive(now time.Time) (active bool, deltaDeg, deltaCM, remainingSec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Before(p.dismissBackoffUntil) {
		return true, p.cfg.DismissBackoffDeltaDeg, p.cfg.DismissBackoffDeltaCM, p.dismissBackoffUntil.Sub(now).Seconds()
	}
	return false, 0, 0, 0
}

// StatusView is the read-only snapshot the status bus publisher embeds
// (spec.md §4.E: "exposes a read-only status view").
type StatusView struct {
	CooldownRemainingSec float64
	SnoozeRemainingSec   float64
	BackoffRemainingSec  float64
	QueueDepth           int
	LastNudgeAgoSec      *float64
}

// Status returns the current read-only view at now.
func (p *Policy) Status(now time.Time) StatusView {
	p.mu.Lock()
	defer p.mu.Unlock()

	view := StatusView{QueueDepth: len(p.dndQueue)}
	if now.Before(p.cooldownUntil) {
		view.CooldownRemainingSec = p.cooldownUntil.Sub(now).Seconds()
	}
	if now.Before(p.snoozeUntil) {
		view.SnoozeRemainingSec = p.snoozeUntil.Sub(now).Seconds()
	}
	if now.Before(p.dismissBackoffUntil) {
		view.BackoffRemainingSec = p.dismissBackoffUntil.Sub(now).Seconds()
	}

	var latest time.Time
	for _, t := range p.lastNudgeAt {
		if t.After(latest) {
			latest = t
		}
	}
	if !latest.IsZero() {
		ago := now.Sub(latest).Seconds()
		view.LastNudgeAgoSec = &ago
	}

	return view
}
