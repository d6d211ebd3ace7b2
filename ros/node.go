package ros

import (
	"fmt"
	"github.com/bluenviron/goroslib/v2"
	"github.com/pkg/errors"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultNodeName = "viam_sensorbox"

// NodeConf holds what is needed to join a ROS graph.
type NodeConf struct {
	MasterAddress string
	Namespace     string
	Name          string
	Host          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// DefaultNodeConf returns a conf for the given primary uri. The node name
// carries the pid so two module processes never collide on the master.
func DefaultNodeConf(primaryUri string) NodeConf {
	return NodeConf{
		MasterAddress: primaryUri,
		Namespace:     "/",
		Name:          fmt.Sprintf("%s_%d", defaultNodeName, os.Getpid()),
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

func (c NodeConf) goros() goroslib.NodeConf {
	return goroslib.NodeConf{
		Namespace:     c.Namespace,
		Name:          c.Name,
		MasterAddress: c.MasterAddress,
		Host:          c.Host,
		ReadTimeout:   c.ReadTimeout,
		WriteTimeout:  c.WriteTimeout,
	}
}

var (
	nodesMu sync.Mutex
	nodes   = map[string]*goroslib.Node{}
)

// GetInstance returns the shared node for a primary uri, creating it on first
// use. Every component talking to the same master shares one node.
func GetInstance(primaryUri string) (*goroslib.Node, error) {
	return GetInstanceWithConf(DefaultNodeConf(primaryUri))
}

// GetInstanceWithConf is GetInstance with an explicit conf. The conf is only
// used when the node for conf.MasterAddress does not exist yet.
func GetInstanceWithConf(conf NodeConf) (*goroslib.Node, error) {
	key := strings.TrimSpace(conf.MasterAddress)
	if key == "" {
		return nil, errors.New("ROS primary uri must be set to hostname:port")
	}

	nodesMu.Lock()
	defer nodesMu.Unlock()
	if n, ok := nodes[key]; ok {
		return n, nil
	}
	n, err := goroslib.NewNode(conf.goros())
	if err != nil {
		return nil, errors.Wrapf(err, "creating ROS node for %s", key)
	}
	nodes[key] = n
	return n, nil
}

// CloseAll closes every shared node. Called on module shutdown.
func CloseAll() {
	nodesMu.Lock()
	defer nodesMu.Unlock()
	for key, n := range nodes {
		n.Close()
		delete(nodes, key)
	}
}
