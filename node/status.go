package node

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andydunstall/samplemesh/node/identity"
	"github.com/andydunstall/samplemesh/node/topic"
	"github.com/andydunstall/samplemesh/server/status"
)

// NodeStatus describes the node. AdvertiseAddr is the address clients use to
// reach the nodes API.
type NodeStatus struct {
	PeerID           string             `json:"peer_id"`
	PublicKey        identity.PublicKey `json:"public_key"`
	Topic            topic.ID           `json:"topic"`
	ConsumerAttached bool               `json:"consumer_attached"`
	ListenAddrs      []string           `json:"listen_addrs"`
	AdvertiseAddr    string             `json:"advertise_addr,omitempty"`
}

func (n *Node) Status() *NodeStatus {
	return &NodeStatus{
		PeerID:           n.identity.PeerID().String(),
		PublicKey:        n.identity.PublicKey(),
		Topic:            topic.App,
		ConsumerAttached: n.mux.ConsumerAttached(),
		ListenAddrs:      n.overlay.ListenAddrs(),
		AdvertiseAddr:    n.advertiseAddr,
	}
}

// StatusHandlers returns the status API handlers of the node, keyed by
// route.
func (n *Node) StatusHandlers() map[string]status.Handler {
	handlers := map[string]status.Handler{
		"/node": NewStatus(n),
	}
	if n.overlayStatus != nil {
		handlers["/overlay"] = n.overlayStatus
	}
	return handlers
}

type Status struct {
	node *Node
}

func NewStatus(node *Node) *Status {
	return &Status{
		node: node,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("", s.nodeRoute)
}

func (s *Status) nodeRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Status())
}

var _ status.Handler = &Status{}
