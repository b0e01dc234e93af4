package overlay

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/andydunstall/samplemesh/node/topic"
	"github.com/andydunstall/samplemesh/server/status"
)

type NeighborStatus struct {
	ID        string      `json:"id"`
	Connected bool        `json:"connected"`
	LastSync  *SyncResult `json:"last_sync,omitempty"`
}

type TopicStatus struct {
	Topic     topic.ID         `json:"topic"`
	Neighbors []NeighborStatus `json:"neighbors"`
}

// Topics returns the status of each subscribed topic.
func (o *Overlay) Topics() []TopicStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	var topics []TopicStatus
	for topicID, m := range o.topics {
		s := TopicStatus{
			Topic:     topicID,
			Neighbors: []NeighborStatus{},
		}
		for p, n := range m.neighbors {
			s.Neighbors = append(s.Neighbors, NeighborStatus{
				ID:        p.String(),
				Connected: o.host.Network().Connectedness(p) == network.Connected,
				LastSync:  n.LastSync,
			})
		}
		sort.Slice(s.Neighbors, func(i, j int) bool {
			return s.Neighbors[i].ID < s.Neighbors[j].ID
		})
		topics = append(topics, s)
	}
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].Topic.String() < topics[j].Topic.String()
	})
	return topics
}

type Status struct {
	overlay *Overlay
}

func NewStatus(overlay *Overlay) *Status {
	return &Status{
		overlay: overlay,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/topics", s.listTopicsRoute)
	group.GET("/addrs", s.listAddrsRoute)
}

func (s *Status) listTopicsRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.overlay.Topics())
}

func (s *Status) listAddrsRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.overlay.ListenAddrs())
}

var _ status.Handler = &Status{}
