package kube

import (
	"k8s.io/apimachinery/pkg/labels"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// Labels put on every object the control plane creates.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelResource  = "studio.surogate.ai/resource-id"
	LabelProject   = "studio.surogate.ai/project-id"
	LabelKind      = "studio.surogate.ai/kind"

	ManagedBy = "surogate-studio"
)

// ResourceLabels returns the labels identifying objects owned by res.
func ResourceLabels(res *engine.Resource) map[string]string {
	out := map[string]string{
		LabelManagedBy: ManagedBy,
		LabelResource:  res.ID,
		LabelKind:      string(res.Kind),
	}
	if res.Project != nil {
		out[LabelProject] = res.Project.ID
	}
	for k, v := range res.Labels {
		if _, reserved := out[k]; !reserved {
			out[k] = v
		}
	}
	return out
}

// ResourceSelector selects every object owned by res.
func ResourceSelector(res *engine.Resource) labels.Selector {
	return labels.SelectorFromSet(labels.Set{
		LabelManagedBy: ManagedBy,
		LabelResource:  res.ID,
	})
}
