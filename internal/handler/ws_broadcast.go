package handler

// BroadcastExperimentEvent implements service.Broadcaster using the WebSocket hub.
func (h *Hub) BroadcastExperimentEvent(experimentID string, eventType string, data any) {
	h.BroadcastToExperiment(experimentID, WSEvent{
		Type:         eventType,
		ExperimentID: experimentID,
		Data:         data,
	})
}
