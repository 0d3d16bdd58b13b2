package rm

type Event interface{}

// Nodes

type EventNodeAdded struct {
	Node NodeInfo
}

type EventNodeStateChanged struct {
	Node     NodeInfo
	Previous NodeState
}

type EventNodeRemoved struct {
	Node NodeInfo
}

// EventNodeAcquisitionFailed reports a deployment that exhausted its retries.
type EventNodeAcquisitionFailed struct {
	NodeSource string
	Error      string
}

// Node sources

type EventNodeSourceCreated struct {
	NodeSource NodeSourceInfo
}

type EventNodeSourceStatusUpdated struct {
	NodeSource string
	Status     NodeSourceStatus
}

type EventNodeSourceRemoved struct {
	NodeSource string
}
