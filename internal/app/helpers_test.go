package app

import (
	"time"

	"lapse/internal/eventbus"
	"lapse/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

func eventBusEvent(typ string, data any) eventbus.Event {
	return eventbus.Event{Type: typ, Time: time.Now(), Data: data}
}
