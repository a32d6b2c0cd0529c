package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// ClusterDirectory looks clusters up.
type ClusterDirectory interface {
	GetCluster(ctx context.Context, id string) (*engine.Cluster, error)
	ListClustersByZone(ctx context.Context, zone string) ([]*engine.Cluster, error)
}

// ProjectRepository persists project placement.
type ProjectRepository interface {
	// AssignCluster sets the project's cluster unless one is already set and
	// returns the cluster the project ends up with.
	AssignCluster(ctx context.Context, projectID, clusterID string) (string, error)
}

// PlacementSource supplies placement hints for a resource.
type PlacementSource interface {
	PlacementHints(ctx context.Context, resourceID string) (engine.PlacementHints, error)
}

// Placer assigns clusters to projects. One Placer must be shared by every
// adapter of a process so that its per-project locks serialize assignment.
type Placer struct {
	clusters ClusterDirectory
	projects ProjectRepository
	hints    PlacementSource
	logger   zerolog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	assigned map[string]string
}

// NewPlacer creates a placer. hints may be nil.
func NewPlacer(clusters ClusterDirectory, projects ProjectRepository, hints PlacementSource, logger zerolog.Logger) *Placer {
	return &Placer{
		clusters: clusters,
		projects: projects,
		hints:    hints,
		logger:   logger.With().Str("component", "placement").Logger(),
		locks:    make(map[string]*sync.Mutex),
		assigned: make(map[string]string),
	}
}

func (p *Placer) lock(projectID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[projectID] = l
	}
	return l
}

func (p *Placer) known(projectID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assigned[projectID]
}

func (p *Placer) remember(projectID, clusterID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assigned[projectID] = clusterID
}

// Select picks the least loaded cluster of the project's zone, restricted to
// the preferred clusters of the resource when any of them qualifies.
func (p *Placer) Select(ctx context.Context, res *engine.Resource) (string, error) {
	candidates, err := p.clusters.ListClustersByZone(ctx, res.Project.Zone)
	if err != nil {
		return "", fmt.Errorf("failed to list clusters in zone %q: %w", res.Project.Zone, err)
	}
	if len(candidates) == 0 {
		return "", engine.NewOrchestrationError(fmt.Sprintf("no cluster available in zone %q", res.Project.Zone), nil).
			WithCode(engine.ErrCodeNoCluster).
			WithResource(res.ID)
	}

	if p.hints != nil {
		hints, err := p.hints.PlacementHints(ctx, res.ID)
		if err != nil {
			return "", fmt.Errorf("failed to load placement hints: %w", err)
		}
		if preferred := filterPreferred(candidates, hints.PreferredClusters); len(preferred) > 0 {
			candidates = preferred
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ResourceCount != candidates[j].ResourceCount {
			return candidates[i].ResourceCount < candidates[j].ResourceCount
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID, nil
}

func filterPreferred(candidates []*engine.Cluster, preferred []string) []*engine.Cluster {
	if len(preferred) == 0 {
		return nil
	}
	byID := make(map[string]*engine.Cluster, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	var out []*engine.Cluster
	for _, id := range preferred {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Assign returns the cluster of res, selecting and persisting one for its
// project on first use. Concurrent calls for one project select at most once
// per process; the repository's compare-and-set settles races between processes.
func (p *Placer) Assign(ctx context.Context, res *engine.Resource, selectFn func(context.Context, *engine.Resource) (string, error)) (*engine.Cluster, error) {
	if res.Cluster != nil {
		return res.Cluster, nil
	}

	l := p.lock(res.Project.ID)
	l.Lock()
	defer l.Unlock()

	if res.Project.ClusterID == "" {
		res.Project.ClusterID = p.known(res.Project.ID)
	}
	if res.Project.ClusterID == "" {
		chosen, err := selectFn(ctx, res)
		if err != nil {
			return nil, err
		}
		winner, err := p.projects.AssignCluster(ctx, res.Project.ID, chosen)
		if err != nil {
			return nil, fmt.Errorf("failed to assign cluster to project %s: %w", res.Project.ID, err)
		}
		if winner != chosen {
			p.logger.Info().
				Str("project_id", res.Project.ID).
				Str("selected", chosen).
				Str("assigned", winner).
				Msg("Project already placed concurrently, using existing cluster")
		} else {
			p.logger.Info().Str("project_id", res.Project.ID).Str("cluster_id", winner).Msg("Assigned cluster to project")
		}
		res.Project.ClusterID = winner
		p.remember(res.Project.ID, winner)
	}

	cluster, err := p.clusters.GetCluster(ctx, res.Project.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster %s: %w", res.Project.ClusterID, err)
	}
	res.Cluster = cluster
	return cluster, nil
}
