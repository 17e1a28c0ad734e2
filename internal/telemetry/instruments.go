package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/joao-fontenele/shopflow"

// Instruments are the engine's own metrics. They are created on the global
// meter provider, so they report through whatever provider main installs.
type Instruments struct {
	OrderTransitions metric.Int64Counter
	TriggersSettled  metric.Int64Counter
	DispatchFailures metric.Int64Counter
	TickDuration     metric.Float64Histogram
}

var (
	instrumentsOnce sync.Once
	instruments     *Instruments
)

func Engine() *Instruments {
	instrumentsOnce.Do(func() {
		instruments = NewInstruments(otel.Meter(meterName))
	})
	return instruments
}

func NewInstruments(meter metric.Meter) *Instruments {
	transitions, err := meter.Int64Counter("shopflow.order.transitions",
		metric.WithDescription("Order status transitions committed"),
	)
	if err != nil {
		otel.Handle(err)
	}

	settled, err := meter.Int64Counter("shopflow.trigger.settled",
		metric.WithDescription("Scheduled triggers settled by a tick"),
	)
	if err != nil {
		otel.Handle(err)
	}

	failures, err := meter.Int64Counter("shopflow.dispatch.failures",
		metric.WithDescription("Notifications that could not be delivered"),
	)
	if err != nil {
		otel.Handle(err)
	}

	tick, err := meter.Float64Histogram("shopflow.tick.duration",
		metric.WithDescription("Duration of a scheduler tick"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return &Instruments{
		OrderTransitions: transitions,
		TriggersSettled:  settled,
		DispatchFailures: failures,
		TickDuration:     tick,
	}
}
