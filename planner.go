package main

import (
	"log"
	"math"
	"sync"
	"time"
)

// Planner publishes upcoming plan steps to every device whose effective
// mode is planned. Ticks align to wall-clock interval boundaries: a tick
// at boundary B schedules the interval starting at B+interval, giving
// devices one full interval of lead time.
type Planner struct {
	state *HubState
	plans *PlanStore
	bus   Publisher

	interval         time.Duration
	stepsPerInterval int
	stepIntervalMS   int
	payloadVersion   int

	mu            sync.Mutex
	cursors       map[string]int
	warnedOverlap map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewPlanner(state *HubState, plans *PlanStore, bus Publisher, cfg PlannerConfig) *Planner {
	return &Planner{
		state:            state,
		plans:            plans,
		bus:              bus,
		interval:         time.Duration(cfg.IntervalSec) * time.Second,
		stepsPerInterval: cfg.StepsPerInterval,
		stepIntervalMS:   cfg.IntervalMS,
		payloadVersion:   cfg.PayloadVersion,
		cursors:          make(map[string]int),
		warnedOverlap:    make(map[string]bool),
		stopCh:           make(chan struct{}),
		now:              time.Now,
	}
}

func (p *Planner) Start() {
	go p.run()
}

func (p *Planner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// nextBoundary returns the first interval boundary strictly after now.
func (p *Planner) nextBoundary(now time.Time) time.Time {
	iv := int64(p.interval)
	ns := now.UnixNano()
	b := (ns / iv) * iv
	if b <= ns {
		b += iv
	}
	return time.Unix(0, b)
}

func (p *Planner) run() {
	log.Printf("[PLANNER] started: interval=%s steps_per_interval=%d payload_version=%d",
		p.interval, p.stepsPerInterval, p.payloadVersion)
	for {
		boundary := p.nextBoundary(p.now())
		select {
		case <-p.stopCh:
			return
		case <-time.After(boundary.Sub(p.now())):
		}
		p.Tick(boundary)
		if p.now().After(boundary.Add(p.interval)) {
			// Missed the next boundary entirely; nextBoundary will skip it.
			log.Printf("[PLANNER] tick at %s overran its interval", boundary.Format(time.RFC3339))
		}
	}
}

// Tick publishes one schedule window to every planned device. The window
// starts one interval after the given boundary.
func (p *Planner) Tick(boundary time.Time) {
	scheduleStart := boundary.Add(p.interval)
	for _, tgt := range p.state.PlannedTargets() {
		p.publishTarget(tgt, scheduleStart)
	}
}

func (p *Planner) publishTarget(tgt PlannerTarget, scheduleStart time.Time) {
	rows, intervalMS := p.windowFor(tgt)
	payload := buildPlanPayload(p.payloadVersion, scheduleStart, intervalMS, rows)
	if err := p.bus.PublishJSON(tgt.PlanTopic, payload); err != nil {
		log.Printf("[PLANNER] publish to %s failed: %v", tgt.PlanTopic, err)
		p.state.IncrementErrorCount(tgt.DeviceID)
	}
}

// windowFor samples the next window of step vectors for one device and
// advances its cursor. A device without a loadable plan gets a window that
// holds its effective static values.
func (p *Planner) windowFor(tgt PlannerTarget) ([][]int, int) {
	if tgt.PlanID == "" {
		return p.staticWindow(tgt), p.stepIntervalMS
	}
	plan, err := p.plans.Get(tgt.PlanID)
	if err != nil {
		log.Printf("[PLANNER] device %s: plan %s unavailable (%v), holding static values",
			tgt.DeviceID, tgt.PlanID, err)
		return p.staticWindow(tgt), p.stepIntervalMS
	}
	p.warnIfOverlapping(plan)

	cursor := p.cursorFor(tgt.DeviceID)
	k := len(plan.Steps)
	rows := make([][]int, 0, p.stepsPerInterval)
	for i := 0; i < p.stepsPerInterval; i++ {
		scaled := scaleStep(plan.Steps[(cursor+i)%k])
		if len(scaled) != tgt.Channels {
			scaled = adaptValues(scaled, tgt.HWMode, tgt.Channels)
		}
		rows = append(rows, scaled)
	}
	p.advanceCursor(tgt.DeviceID, k)
	return rows, plan.IntervalMS
}

func (p *Planner) staticWindow(tgt PlannerTarget) [][]int {
	rows := make([][]int, p.stepsPerInterval)
	for i := range rows {
		rows[i] = resizeValues(tgt.StaticValues, tgt.Channels)
	}
	return rows
}

// warnIfOverlapping flags plans whose scheduled window runs past the next
// tick's start. Devices replace the schedule on the next publish, so this
// only costs fidelity at the tail, but it usually means a misconfigured
// step interval.
func (p *Planner) warnIfOverlapping(plan *Plan) {
	span := time.Duration(plan.IntervalMS) * time.Millisecond * time.Duration(p.stepsPerInterval)
	if span <= p.interval {
		return
	}
	p.mu.Lock()
	warned := p.warnedOverlap[plan.ID]
	p.warnedOverlap[plan.ID] = true
	p.mu.Unlock()
	if !warned {
		log.Printf("[PLANNER] plan %s: %d steps of %dms span %s, past the %s tick interval",
			plan.ID, p.stepsPerInterval, plan.IntervalMS, span, p.interval)
	}
}

func (p *Planner) cursorFor(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursors[deviceID]
}

func (p *Planner) advanceCursor(deviceID string, planLen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[deviceID] = (p.cursors[deviceID] + p.stepsPerInterval) % planLen
}

// buildPlanPayload assembles the wire payload for one schedule window.
// v1 packs a shared start timestamp with the step interval; v2 stamps
// every step with an absolute millisecond timestamp.
func buildPlanPayload(version int, start time.Time, intervalMS int, rows [][]int) interface{} {
	if version >= 2 {
		steps := make([]map[string]interface{}, len(rows))
		for i, row := range rows {
			steps[i] = map[string]interface{}{
				"ts_ms":  start.UnixMilli() + int64(i)*int64(intervalMS),
				"values": row,
			}
		}
		return map[string]interface{}{
			"format_version": 2,
			"steps":          steps,
		}
	}
	return map[string]interface{}{
		"timestamp":   start.Unix(),
		"interval_ms": intervalMS,
		"sequence":    rows,
	}
}

// scaleStep maps percent plan values onto channel bytes.
func scaleStep(step []int) []int {
	out := make([]int, len(step))
	for i, v := range step {
		out[i] = clampChannel(int(math.Round(float64(v) * 255.0 / 100.0)))
	}
	return out
}
