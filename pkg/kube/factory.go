package kube

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/client-go/dynamic"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// Factory hands out an ObjectManager for a cluster.
type Factory interface {
	ForCluster(ctx context.Context, cluster *engine.Cluster) (ObjectManager, error)
}

// KubeconfigFactory builds clients from the kubeconfig stored with each
// cluster and caches them by cluster ID.
type KubeconfigFactory struct {
	logger zerolog.Logger

	// QPS and Burst tune client-side rate limiting; zero keeps client-go defaults.
	QPS   float32
	Burst int

	// PollInterval overrides the readiness poll interval of built clients.
	PollInterval time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// NewKubeconfigFactory creates a factory with an empty cache.
func NewKubeconfigFactory(logger zerolog.Logger) *KubeconfigFactory {
	return &KubeconfigFactory{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// ForCluster returns the cached client of cluster, building it on first use.
func (f *KubeconfigFactory) ForCluster(_ context.Context, cluster *engine.Cluster) (ObjectManager, error) {
	if cluster == nil {
		return nil, engine.NewPermanentError("cluster is nil", nil).WithCode(engine.ErrCodeValidation)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[cluster.ID]; ok {
		return c, nil
	}

	config, err := f.restConfig(cluster)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid connection settings for cluster %s", cluster.ID), err).
			WithCode(engine.ErrCodeValidation)
	}
	typed, err := k8s.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset for cluster %s: %w", cluster.ID, err)
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client for cluster %s: %w", cluster.ID, err)
	}

	c := NewClient(typed, dyn, f.logger.With().Str("cluster_id", cluster.ID).Logger())
	if f.PollInterval > 0 {
		c.PollInterval = f.PollInterval
	}
	f.clients[cluster.ID] = c
	f.logger.Info().Str("cluster_id", cluster.ID).Str("host", config.Host).Msg("Connected to cluster")
	return c, nil
}

// Forget drops the cached client of a cluster, e.g. after its credentials changed.
func (f *KubeconfigFactory) Forget(clusterID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, clusterID)
}

func (f *KubeconfigFactory) restConfig(cluster *engine.Cluster) (*rest.Config, error) {
	var (
		config *rest.Config
		err    error
	)
	if len(cluster.KubeConfig) > 0 {
		config, err = clientcmd.RESTConfigFromKubeConfig(cluster.KubeConfig)
	} else if cluster.Endpoint != "" {
		config = &rest.Config{Host: cluster.Endpoint}
	} else {
		return nil, fmt.Errorf("cluster has neither kubeconfig nor endpoint")
	}
	if err != nil {
		return nil, err
	}
	if f.QPS > 0 {
		config.QPS = f.QPS
	}
	if f.Burst > 0 {
		config.Burst = f.Burst
	}
	return config, nil
}

// StaticFactory returns the same manager for every cluster.
type StaticFactory struct {
	Manager ObjectManager
}

func (f StaticFactory) ForCluster(context.Context, *engine.Cluster) (ObjectManager, error) {
	return f.Manager, nil
}
