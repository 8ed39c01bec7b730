package controller

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/mapforge/geoflow/internal/broker"
)

// Dispatcher runs the controller's two consumer loops: JobStart messages
// and StageDone markers. Any number of dispatcher processes may run
// concurrently; the store's guarded transitions make duplicates harmless.
type Dispatcher struct {
	controller *Controller
	broker     broker.Broker
}

func NewDispatcher(c *Controller, b broker.Broker) *Dispatcher {
	return &Dispatcher{controller: c, broker: b}
}

func (d *Dispatcher) Run(ctx context.Context, group, consumer string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.broker.Consume(ctx, broker.QueueJobs, group, consumer+"-jobs", d.handleJobStart)
	})
	g.Go(func() error {
		return d.broker.Consume(ctx, broker.QueueStageDone, group, consumer+"-stages", d.handleStageDone)
	})
	return g.Wait()
}

func (d *Dispatcher) handleJobStart(ctx context.Context, body []byte) error {
	msg, err := broker.DecodeJobStart(body)
	if err != nil {
		d.controller.log.Warn("Dropping undecodable job message", "error", err)
		return nil
	}
	return d.controller.OnJobStart(ctx, msg)
}

func (d *Dispatcher) handleStageDone(ctx context.Context, body []byte) error {
	msg, err := broker.DecodeStageDone(body)
	if err != nil {
		d.controller.log.Warn("Dropping undecodable stage message", "error", err)
		return nil
	}
	return d.controller.OnStageDone(ctx, msg)
}
