// Package graph projects the observations persisted by a scan or watch
// session into the node/edge shape served to graph consumers (spec.md
// §4.9, §6). It reads through the model.Graph interface only, so it has
// no dependency on internal/store's SQL.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jsherman999/keyspider/internal/model"
)

// ErrNodeNotFound is returned by subgraph queries given an id with no
// matching server or unreachable-source node.
var ErrNodeNotFound = errors.New("graph: node not found")

// Layer selects which AccessPath edges a Render call includes.
type Layer string

const (
	LayerAuthorization Layer = "authorization"
	LayerUsage         Layer = "usage"
	LayerAll           Layer = "all"
)

// DefaultActiveWindow is how recently an AccessPath must have been seen
// to count as "is_active" in the rendered graph. Not named by spec.md;
// recorded as an Open Question decision in DESIGN.md.
const DefaultActiveWindow = 30 * 24 * time.Hour

// Builder renders model.Graph state into the wire graph shape.
type Builder struct {
	g            model.Graph
	activeWindow time.Duration
}

// New constructs a Builder. activeWindow of zero uses DefaultActiveWindow.
func New(g model.Graph, activeWindow time.Duration) *Builder {
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	return &Builder{g: g, activeWindow: activeWindow}
}

func serverNodeID(id int64) string       { return fmt.Sprintf("server-%d", id) }
func unreachableNodeID(id int64) string  { return fmt.Sprintf("unreachable-%d", id) }
func edgeID(pathID int64) string         { return fmt.Sprintf("path-%d", pathID) }

// Render builds the full {nodes, edges, node_count, edge_count} response
// for the given layer ("authorization", "usage", or "all"/"" for the
// union).
func (b *Builder) Render(layer Layer, now time.Time) (*model.GraphResponse, error) {
	servers, err := b.g.AllServers()
	if err != nil {
		return nil, fmt.Errorf("graph: load servers: %w", err)
	}
	unreachables, err := b.g.AllUnreachableSources()
	if err != nil {
		return nil, fmt.Errorf("graph: load unreachable sources: %w", err)
	}
	paths, err := b.g.AllAccessPaths()
	if err != nil {
		return nil, fmt.Errorf("graph: load access paths: %w", err)
	}
	keyCounts, err := b.g.KeyCountByServer()
	if err != nil {
		return nil, fmt.Errorf("graph: key counts: %w", err)
	}
	eventCounts, err := b.g.EventCountByServer()
	if err != nil {
		return nil, fmt.Errorf("graph: event counts: %w", err)
	}

	nodes := make([]model.Node, 0, len(servers)+len(unreachables))
	serverByNodeID := make(map[string]model.Server, len(servers))
	for _, s := range servers {
		id := serverNodeID(s.ID)
		serverByNodeID[id] = s
		nodes = append(nodes, model.Node{
			ID:          id,
			Label:       s.Hostname,
			Type:        "server",
			IPAddress:   s.IP,
			OSType:      string(s.OSType),
			IsReachable: s.IsReachable,
			KeyCount:    keyCounts[s.ID],
			EventCount:  eventCounts[s.ID],
		})
	}
	for _, u := range unreachables {
		nodes = append(nodes, model.Node{
			ID:          unreachableNodeID(u.ID),
			Label:       u.SourceIP,
			Type:        "unreachable",
			IPAddress:   u.SourceIP,
			IsReachable: false,
			EventCount:  u.EventCount,
		})
	}

	edges := make([]model.Edge, 0, len(paths))
	for _, p := range paths {
		switch layer {
		case LayerAuthorization:
			if !p.IsAuthorized {
				continue
			}
		case LayerUsage:
			if !p.IsUsed {
				continue
			}
		}

		target := serverNodeID(p.TargetServerID)
		source := unknownSourceNodeID(p)
		if p.SourceServerID != nil {
			source = serverNodeID(*p.SourceServerID)
		}

		var keyType string
		if p.SSHKeyID != nil {
			if kt, ok := b.g.KeyTypeByID(*p.SSHKeyID); ok {
				keyType = string(kt)
			}
		}

		edges = append(edges, model.Edge{
			ID:           edgeID(p.ID),
			Source:       source,
			Target:       target,
			Label:        p.Username,
			KeyType:      keyType,
			Username:     p.Username,
			EventCount:   p.EventCount,
			IsActive:     p.IsUsed && now.Sub(p.LastSeenAt) <= b.activeWindow,
			IsAuthorized: p.IsAuthorized,
			IsUsed:       p.IsUsed,
		})
	}

	return &model.GraphResponse{
		Nodes:     nodes,
		Edges:     edges,
		NodeCount: len(nodes),
		EdgeCount: len(edges),
	}, nil
}

// unknownSourceNodeID synthesizes a stable node id for an
// authorization-only edge whose source is unknown (spec.md §3's
// SourceServerID==nil placeholder). It is not added to the node list —
// graph consumers treat a source id with no matching node as "unknown
// origin" rather than as a dangling reference to a real server.
func unknownSourceNodeID(p model.AccessPath) string {
	return fmt.Sprintf("unknown-source-%d", p.ID)
}

// ServerCentered returns the subgraph reachable from id (a server or
// unreachable node id) within depth hops, following edges in both
// directions.
func (b *Builder) ServerCentered(id string, depth int, now time.Time) (*model.GraphResponse, error) {
	full, err := b.Render(LayerAll, now)
	if err != nil {
		return nil, err
	}
	if !containsNode(full.Nodes, id) {
		return nil, ErrNodeNotFound
	}

	adjacency := buildAdjacency(full.Edges)
	visited := map[string]int{id: 0}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := visited[cur]
		if d >= depth {
			continue
		}
		for _, next := range adjacency[cur] {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = d + 1
			queue = append(queue, next)
		}
	}

	return filterGraph(full, visited), nil
}

// KeyCentered returns all edges carrying keyID plus their incident
// nodes. AccessPath, not the rendered Edge (which only carries the
// key's type string), is the source of truth for which edges carry a
// given key id.
func (b *Builder) KeyCentered(keyID int64, now time.Time) (*model.GraphResponse, error) {
	full, err := b.Render(LayerAll, now)
	if err != nil {
		return nil, err
	}
	paths, err := b.g.AllAccessPaths()
	if err != nil {
		return nil, fmt.Errorf("graph: load access paths: %w", err)
	}

	keepNode := make(map[string]struct{})
	keepEdge := make(map[string]struct{})
	for _, p := range paths {
		if p.SSHKeyID == nil || *p.SSHKeyID != keyID {
			continue
		}
		keepEdge[edgeID(p.ID)] = struct{}{}
		keepNode[serverNodeID(p.TargetServerID)] = struct{}{}
		if p.SourceServerID != nil {
			keepNode[serverNodeID(*p.SourceServerID)] = struct{}{}
		}
	}

	var edges []model.Edge
	for _, e := range full.Edges {
		if _, ok := keepEdge[e.ID]; ok {
			edges = append(edges, e)
		}
	}
	var nodes []model.Node
	for _, n := range full.Nodes {
		if _, ok := keepNode[n.ID]; ok {
			nodes = append(nodes, n)
		}
	}

	return &model.GraphResponse{
		Nodes:     nodes,
		Edges:     edges,
		NodeCount: len(nodes),
		EdgeCount: len(edges),
	}, nil
}

// ShortestPath finds the fewest-hop path between two node ids, breaking
// ties by earliest first_seen_at among the AccessPaths backing the
// first differing edge choice (spec.md §4.9).
func (b *Builder) ShortestPath(from, to string, now time.Time) ([]string, error) {
	full, err := b.Render(LayerAll, now)
	if err != nil {
		return nil, err
	}
	if !containsNode(full.Nodes, from) || !containsNode(full.Nodes, to) {
		return nil, ErrNodeNotFound
	}
	if from == to {
		return []string{from}, nil
	}

	firstSeenByEdge := make(map[string]time.Time)
	paths, err := b.g.AllAccessPaths()
	if err != nil {
		return nil, fmt.Errorf("graph: load access paths: %w", err)
	}
	for _, p := range paths {
		firstSeenByEdge[edgeID(p.ID)] = p.FirstSeenAt
	}

	type adjItem struct {
		node      string
		edgeFirst time.Time
	}
	adj := make(map[string][]adjItem)
	for _, e := range full.Edges {
		fs := firstSeenByEdge[e.ID]
		adj[e.Source] = append(adj[e.Source], adjItem{node: e.Target, edgeFirst: fs})
		adj[e.Target] = append(adj[e.Target], adjItem{node: e.Source, edgeFirst: fs})
	}
	for _, list := range adj {
		sort.Slice(list, func(i, j int) bool { return list[i].edgeFirst.Before(list[j].edgeFirst) })
	}

	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			break
		}
		for _, item := range adj[cur] {
			if _, seen := prev[item.node]; seen {
				continue
			}
			prev[item.node] = cur
			queue = append(queue, item.node)
		}
	}

	if _, ok := prev[to]; !ok {
		return nil, nil // no path
	}
	var rev []string
	for n := to; n != ""; n = prev[n] {
		rev = append(rev, n)
		if n == from {
			break
		}
	}
	path := make([]string, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path, nil
}

// DormantKeysReport lists authorized keys never used against their
// target, per spec.md §3/§8 scenario 4.
func (b *Builder) DormantKeysReport() ([]model.KeyLocation, error) {
	return b.g.DormantKeyLocations()
}

// MysteryKeysReport lists accepted-event fingerprints with no matching
// authorized_keys KeyLocation on the target, per spec.md §8 scenario 3.
func (b *Builder) MysteryKeysReport() ([]model.AccessEvent, error) {
	return b.g.MysteryKeyEvents()
}

// StaleKeysReport lists authorized KeyLocations whose backing
// AccessPath has gone quiet for longer than maxAge, per SPEC_FULL.md
// §10's supplemented stale-key report.
func (b *Builder) StaleKeysReport(maxAge time.Duration, now time.Time) ([]model.KeyLocation, error) {
	return b.g.StaleKeyLocations(maxAge, now)
}

func containsNode(nodes []model.Node, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func buildAdjacency(edges []model.Edge) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		adj[e.Target] = append(adj[e.Target], e.Source)
	}
	return adj
}

func filterGraph(full *model.GraphResponse, keep map[string]int) *model.GraphResponse {
	var nodes []model.Node
	for _, n := range full.Nodes {
		if _, ok := keep[n.ID]; ok {
			nodes = append(nodes, n)
		}
	}
	var edges []model.Edge
	for _, e := range full.Edges {
		_, srcOK := keep[e.Source]
		_, dstOK := keep[e.Target]
		if srcOK && dstOK {
			edges = append(edges, e)
		}
	}
	return &model.GraphResponse{
		Nodes:     nodes,
		Edges:     edges,
		NodeCount: len(nodes),
		EdgeCount: len(edges),
	}
}
