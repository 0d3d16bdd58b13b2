package rm

import (
	"time"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/policy"
)

type NodeState string

const (
	NodeStateFree        NodeState = "free"
	NodeStateBusy        NodeState = "busy"
	NodeStateDown        NodeState = "down"
	NodeStateToBeRemoved NodeState = "to-be-removed"
	NodeStateLocked      NodeState = "locked"
)

var NodeStates = []NodeState{NodeStateFree, NodeStateBusy, NodeStateDown, NodeStateToBeRemoved, NodeStateLocked}

// NodeInfo is a snapshot of a node.
type NodeInfo struct {
	URL        string    `json:"url"`
	Host       string    `json:"host"`
	Provider   string    `json:"provider"`
	NodeSource string    `json:"node-source"`
	State      NodeState `json:"state"`
	// Owner is the name of the client holding a busy or to-be-removed node.
	Owner      string    `json:"owner,omitempty"`
	LockedBy   string    `json:"locked-by,omitempty"`
	StateSince time.Time `json:"state-since"`
	Instance   uint64    `json:"instance"`
}

// node is owned by the core loop and never shared outside of it.
type node struct {
	instance uint64
	handle   infrastructure.Node
	provider string
	source   *nodeSource

	state      NodeState
	stateSince time.Time
	owner      *client
	lockedBy   string

	// removalRequested is set by a graceful removal of a busy node.
	removalRequested bool
}

func (n *node) url() string {
	return n.handle.URL()
}

func (n *node) ref() policy.NodeRef {
	return policy.NodeRef{URL: n.url(), Instance: n.instance}
}

func (n *node) info() NodeInfo {
	info := NodeInfo{
		URL:        n.url(),
		Host:       n.handle.Host(),
		Provider:   n.provider,
		NodeSource: n.source.definition.Name,
		State:      n.state,
		LockedBy:   n.lockedBy,
		StateSince: n.stateSince,
		Instance:   n.instance,
	}
	if n.owner != nil {
		info.Owner = n.owner.name
	}
	return info
}

type nodeEvent string

const (
	eventGet              nodeEvent = "get"
	eventRelease          nodeEvent = "release"
	eventRemovePreemptive nodeEvent = "preemptive removal"
	eventRemoveGraceful   nodeEvent = "graceful removal"
	eventHealthFail       nodeEvent = "health failure"
	eventLock             nodeEvent = "lock"
	eventUnlock           nodeEvent = "unlock"
)

type outcome int

const (
	// outcomeReject refuses the event
	outcomeReject outcome = iota
	// outcomeNoop accepts the event without any change
	outcomeNoop
	// outcomeMove changes the state
	outcomeMove
	// outcomeRemove takes the node out of the index
	outcomeRemove
)

// transition is the node state machine. It is total: every (state, event)
// pair has an outcome.
func transition(from NodeState, event nodeEvent) (NodeState, outcome) {
	switch event {
	case eventRemovePreemptive:
		return "", outcomeRemove

	case eventGet:
		if from == NodeStateFree {
			return NodeStateBusy, outcomeMove
		}
		return "", outcomeReject

	case eventRelease:
		switch from {
		case NodeStateBusy:
			return NodeStateFree, outcomeMove
		case NodeStateToBeRemoved:
			return "", outcomeRemove
		default:
			return "", outcomeNoop
		}

	case eventRemoveGraceful:
		switch from {
		case NodeStateBusy:
			return NodeStateToBeRemoved, outcomeMove
		case NodeStateToBeRemoved:
			return "", outcomeNoop
		default:
			return "", outcomeRemove
		}

	case eventHealthFail:
		if from == NodeStateDown {
			return "", outcomeNoop
		}
		return NodeStateDown, outcomeMove

	case eventLock:
		switch from {
		case NodeStateFree:
			return NodeStateLocked, outcomeMove
		case NodeStateLocked:
			return "", outcomeNoop
		default:
			return "", outcomeReject
		}

	case eventUnlock:
		if from == NodeStateLocked {
			return NodeStateFree, outcomeMove
		}
		return "", outcomeReject
	}

	return "", outcomeReject
}
