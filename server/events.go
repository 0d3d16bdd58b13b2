package main

import (
	"log/slog"

	"github.com/gammadia/warden/rm"
)

// logEvents logs the resource manager events until the channel is closed.
func logEvents(logger *slog.Logger, events <-chan rm.Event) {
	for event := range events {
		switch event := event.(type) {
		case rm.EventNodeAdded:
			logger.Info("Node added", nodeAttrs(event.Node)...)
		case rm.EventNodeStateChanged:
			logger.Debug("Node state changed", append(nodeAttrs(event.Node), "previous", event.Previous)...)
		case rm.EventNodeRemoved:
			logger.Info("Node removed", nodeAttrs(event.Node)...)
		case rm.EventNodeAcquisitionFailed:
			logger.Warn("Node acquisition failed", "node-source", event.NodeSource, "error", event.Error)
		case rm.EventNodeSourceCreated:
			logger.Info("Node source created",
				"node-source", event.NodeSource.Definition.Name,
				"infrastructure", event.NodeSource.Infrastructure,
				"policy", event.NodeSource.Policy,
			)
		case rm.EventNodeSourceStatusUpdated:
			logger.Info("Node source status updated", "node-source", event.NodeSource, "status", event.Status)
		case rm.EventNodeSourceRemoved:
			logger.Info("Node source removed", "node-source", event.NodeSource)
		default:
			logger.Warn("Unknown event", "event", event)
		}
	}
}

func nodeAttrs(node rm.NodeInfo) []any {
	attrs := []any{"node", node.URL, "node-source", node.NodeSource, "state", node.State}
	if node.Owner != "" {
		attrs = append(attrs, "owner", node.Owner)
	}
	return attrs
}
