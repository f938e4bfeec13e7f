package services

import (
	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
)

// NoopCallMetrics discards everything.
type NoopCallMetrics struct{}

var _ ports.CallMetrics = NoopCallMetrics{}

func (NoopCallMetrics) RecordTransition(domain.CallStatus)  {}
func (NoopCallMetrics) RecordCallEnded(string)              {}
func (NoopCallMetrics) RecordSignal(string, string)         {}
func (NoopCallMetrics) RecordSignalDropped(string)          {}
func (NoopCallMetrics) RecordFramesSent(int)                {}
func (NoopCallMetrics) RecordFramesReceived(int)            {}
func (NoopCallMetrics) RecordFramesDropped(string, int)     {}
func (NoopCallMetrics) RecordReconnectAttempt()             {}
func (NoopCallMetrics) RecordReconnect()                    {}
func (NoopCallMetrics) SetJitterBufferMs(float64)           {}
