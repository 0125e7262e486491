package engine

import "github.com/google/uuid"

// UpdateEvent is published after every recompute cascade completes, summarizing what changed without enumerating
// every individual cell.
type UpdateEvent struct {
	Workbooks []string // workbooks touched by this cascade
}

// CellsUpdateEvent is published once per (workbook, sheet) touched by a
// cascade, batching every cell that changed value in that sheet rather
// than firing one event per cell.
type CellsUpdateEvent struct {
	Workbook string
	Sheet    string
	Cells    []CellAddr
}

type updateSubscription struct {
	id uuid.UUID
	fn func(UpdateEvent)
}

type cellsUpdateSubscription struct {
	id uuid.UUID
	fn func(CellsUpdateEvent)
}

// EventBus fans cascade-completion notifications out to subscribers,
// identified by opaque google/uuid handles so a caller can unsubscribe
// later without holding onto a closure or index.
type EventBus struct {
	updateSubs      []updateSubscription
	cellsUpdateSubs []cellsUpdateSubscription
}

func NewEventBus() *EventBus { return &EventBus{} }

func (b *EventBus) OnUpdate(fn func(UpdateEvent)) uuid.UUID {
	id := uuid.New()
	b.updateSubs = append(b.updateSubs, updateSubscription{id: id, fn: fn})
	return id
}

func (b *EventBus) OffUpdate(id uuid.UUID) {
	for i, s := range b.updateSubs {
		if s.id == id {
			b.updateSubs = append(b.updateSubs[:i], b.updateSubs[i+1:]...)
			return
		}
	}
}

func (b *EventBus) OnCellsUpdate(fn func(CellsUpdateEvent)) uuid.UUID {
	id := uuid.New()
	b.cellsUpdateSubs = append(b.cellsUpdateSubs, cellsUpdateSubscription{id: id, fn: fn})
	return id
}

func (b *EventBus) OffCellsUpdate(id uuid.UUID) {
	for i, s := range b.cellsUpdateSubs {
		if s.id == id {
			b.cellsUpdateSubs = append(b.cellsUpdateSubs[:i], b.cellsUpdateSubs[i+1:]...)
			return
		}
	}
}

func (b *EventBus) emitUpdate(ev UpdateEvent) {
	for _, s := range b.updateSubs {
		s.fn(ev)
	}
}

func (b *EventBus) emitCellsUpdate(ev CellsUpdateEvent) {
	if len(ev.Cells) == 0 {
		return
	}
	for _, s := range b.cellsUpdateSubs {
		s.fn(ev)
	}
}
