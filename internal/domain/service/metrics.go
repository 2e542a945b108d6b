package service

import "time"

// TurnMetrics receives orchestrator outcomes. The monitoring layer implements
// it; passing nil installs a no-op sink so the loop never nil-checks.
type TurnMetrics interface {
	TurnStarted()
	TurnFinished(outcome string, elapsed time.Duration)
	CacheHit(simple bool)
	CacheMiss(simple bool)
	FlightJoined()
	Selection(method string, tools int)
	ToolCall(name, outcome string, elapsed time.Duration)
	ModelCall(elapsed time.Duration)
}

type nopTurnMetrics struct{}

func (nopTurnMetrics) TurnStarted()                           {}
func (nopTurnMetrics) TurnFinished(string, time.Duration)     {}
func (nopTurnMetrics) CacheHit(bool)                          {}
func (nopTurnMetrics) CacheMiss(bool)                         {}
func (nopTurnMetrics) FlightJoined()                          {}
func (nopTurnMetrics) Selection(string, int)                  {}
func (nopTurnMetrics) ToolCall(string, string, time.Duration) {}
func (nopTurnMetrics) ModelCall(time.Duration)                {}
